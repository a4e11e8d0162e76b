package action

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"concierge/api/internal/store"
)

// buildMIME renders an EmailParams into an RFC 2822 message ready for the
// Gmail raw-send API. Plain text only; attachments switch the payload to
// multipart/mixed.
func buildMIME(params EmailParams) []byte {
	var msg bytes.Buffer

	fmt.Fprintf(&msg, "To: %s\r\n", formatAddressList(params.To))
	if len(params.CC) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\r\n", formatAddressList(params.CC))
	}
	if len(params.BCC) > 0 {
		fmt.Fprintf(&msg, "Bcc: %s\r\n", formatAddressList(params.BCC))
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", params.Subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")

	if len(params.Attachments) == 0 {
		fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
		fmt.Fprintf(&msg, "\r\n")
		fmt.Fprintf(&msg, "%s\r\n", params.Body)
		return msg.Bytes()
	}

	boundary := "boundary-concierge"
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", params.Body)

	for _, att := range params.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		fmt.Fprintf(&msg, "--%s\r\n", boundary)
		fmt.Fprintf(&msg, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&msg, "Content-Disposition: attachment; filename=\"%s\"\r\n", att.Filename)
		fmt.Fprintf(&msg, "Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&msg, "\r\n")
		writeBase64Wrapped(&msg, att.Data)
	}
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return msg.Bytes()
}

func formatAddressList(recipients []store.Recipient) string {
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if strings.TrimSpace(r.DisplayName) != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", r.DisplayName, r.Email))
		} else {
			parts = append(parts, r.Email)
		}
	}
	return strings.Join(parts, ", ")
}

// writeBase64Wrapped emits base64 content in 76-character lines per RFC 2045.
func writeBase64Wrapped(msg *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		msg.WriteString(encoded[:76])
		msg.WriteString("\r\n")
		encoded = encoded[76:]
	}
	if len(encoded) > 0 {
		msg.WriteString(encoded)
		msg.WriteString("\r\n")
	}
}

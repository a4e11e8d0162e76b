// Package extract is the boundary between the opaque LLM intent extractor
// and the draft core. The extractor's loosely-typed JSON is validated and
// converted into a tagged partial-field union here; nothing downstream ever
// sees an untyped map.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"concierge/api/internal/store"
)

// ErrMalformed means the extractor returned output that could not be used
// (non-JSON, unknown type tag, unparseable timestamps). No draft state
// changes when this is returned.
var ErrMalformed = errors.New("extractor output malformed")

// Extractor turns an utterance plus context into a structured intent. The
// implementation is an external LLM call; the core treats it as an oracle.
type Extractor interface {
	Extract(ctx context.Context, utterance string, history []store.Message, current *store.Draft) (Result, error)
}

// Result is the validated extraction outcome.
type Result struct {
	IsDraftIntent bool
	DraftType     store.DraftType
	UpdateMode    bool
	Fields        Fields
}

// Fields is the tagged union of per-type partial field sets. Exactly one of
// Email/Calendar is non-nil, matching Type.
type Fields struct {
	Type     store.DraftType
	Email    *EmailPartial
	Calendar *CalendarPartial
}

// EmailPartial carries only what the extractor emitted: nil scalar pointers
// mean "not mentioned", never "clear".
type EmailPartial struct {
	To            []store.Recipient
	CC            []store.Recipient
	BCC           []store.Recipient
	Subject       *string
	Body          *string
	GmailThreadID *string
	// Unresolved holds recipient names the extractor produced without an
	// address; the caller runs them through contact resolution.
	Unresolved []UnresolvedRecipient
}

type CalendarPartial struct {
	Summary     *string
	StartTime   *time.Time
	EndTime     *time.Time
	Attendees   []store.Recipient
	Location    *string
	Description *string
	Unresolved  []UnresolvedRecipient
}

// UnresolvedRecipient is a name mentioned by the user that still needs an
// email address, tagged with the list it belongs in.
type UnresolvedRecipient struct {
	Name string
	List string // "to", "cc", "bcc", "attendees"
}

type wireRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type wireEmailFields struct {
	To            []wireRecipient `json:"to"`
	CC            []wireRecipient `json:"cc"`
	BCC           []wireRecipient `json:"bcc"`
	Subject       *string         `json:"subject"`
	Body          *string         `json:"body"`
	GmailThreadID *string         `json:"gmailThreadId"`
}

type wireCalendarFields struct {
	Summary     *string         `json:"summary"`
	StartTime   *string         `json:"startTime"`
	EndTime     *string         `json:"endTime"`
	Attendees   []wireRecipient `json:"attendees"`
	Location    *string         `json:"location"`
	Description *string         `json:"description"`
}

type wireResult struct {
	IsDraftIntent bool            `json:"isDraftIntent"`
	DraftType     string          `json:"draftType"`
	UpdateMode    bool            `json:"updateMode"`
	Fields        json.RawMessage `json:"fields"`
}

// ParseResult validates a raw extractor payload. Any shape problem yields
// ErrMalformed; a valid non-draft intent yields a zero-field Result.
func ParseResult(raw []byte) (Result, error) {
	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !wire.IsDraftIntent {
		return Result{}, nil
	}

	draftType := store.DraftType(strings.ToUpper(strings.TrimSpace(wire.DraftType)))
	if !store.ValidDraftType(draftType) {
		return Result{}, fmt.Errorf("%w: unknown draft type %q", ErrMalformed, wire.DraftType)
	}

	fields, err := ParseFields(draftType, wire.Fields)
	if err != nil {
		return Result{}, err
	}

	return Result{
		IsDraftIntent: true,
		DraftType:     draftType,
		UpdateMode:    wire.UpdateMode,
		Fields:        fields,
	}, nil
}

// ParseFields converts a raw per-type field object into the typed union.
// Also used directly by the update endpoint, which shares the wire shape.
func ParseFields(draftType store.DraftType, raw json.RawMessage) (Fields, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	switch draftType {
	case store.DraftEmail:
		var wire wireEmailFields
		if err := json.Unmarshal(raw, &wire); err != nil {
			return Fields{}, fmt.Errorf("%w: email fields: %v", ErrMalformed, err)
		}
		partial := &EmailPartial{
			Subject:       wire.Subject,
			Body:          wire.Body,
			GmailThreadID: wire.GmailThreadID,
		}
		partial.To, partial.Unresolved = splitRecipients(wire.To, "to", partial.Unresolved)
		partial.CC, partial.Unresolved = splitRecipients(wire.CC, "cc", partial.Unresolved)
		partial.BCC, partial.Unresolved = splitRecipients(wire.BCC, "bcc", partial.Unresolved)
		return Fields{Type: store.DraftEmail, Email: partial}, nil

	case store.DraftCalendarEvent:
		var wire wireCalendarFields
		if err := json.Unmarshal(raw, &wire); err != nil {
			return Fields{}, fmt.Errorf("%w: calendar fields: %v", ErrMalformed, err)
		}
		partial := &CalendarPartial{
			Summary:     wire.Summary,
			Location:    wire.Location,
			Description: wire.Description,
		}
		var err error
		if partial.StartTime, err = parseTime(wire.StartTime); err != nil {
			return Fields{}, fmt.Errorf("%w: startTime: %v", ErrMalformed, err)
		}
		if partial.EndTime, err = parseTime(wire.EndTime); err != nil {
			return Fields{}, fmt.Errorf("%w: endTime: %v", ErrMalformed, err)
		}
		partial.Attendees, partial.Unresolved = splitRecipients(wire.Attendees, "attendees", partial.Unresolved)
		return Fields{Type: store.DraftCalendarEvent, Calendar: partial}, nil

	default:
		return Fields{}, fmt.Errorf("%w: unknown draft type %q", ErrMalformed, draftType)
	}
}

func splitRecipients(wire []wireRecipient, list string, unresolved []UnresolvedRecipient) ([]store.Recipient, []UnresolvedRecipient) {
	resolved := make([]store.Recipient, 0, len(wire))
	for _, r := range wire {
		email := strings.TrimSpace(r.Email)
		name := strings.TrimSpace(r.Name)
		if email != "" {
			resolved = append(resolved, store.Recipient{Email: email, DisplayName: name})
			continue
		}
		if name != "" {
			unresolved = append(unresolved, UnresolvedRecipient{Name: name, List: list})
		}
	}
	if len(resolved) == 0 {
		resolved = nil
	}
	return resolved, unresolved
}

func parseTime(value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*value))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

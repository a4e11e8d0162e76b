// Package action invokes the real-world side effect for a completed draft:
// sending an email through Gmail or creating a Google Calendar event. The
// draft core calls it exactly once per draft and treats it as opaque.
package action

import (
	"context"
	"time"

	"concierge/api/internal/store"
)

// EmailParams is the executor-facing shape of a completed email draft.
type EmailParams struct {
	To            []store.Recipient
	CC            []store.Recipient
	BCC           []store.Recipient
	Subject       string
	Body          string
	GmailThreadID string
	Attachments   []Payload
}

// Payload is attachment content fetched from staging at send time.
type Payload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EventParams is the executor-facing shape of a completed calendar draft.
type EventParams struct {
	Summary     string
	Start       time.Time
	End         time.Time
	Attendees   []store.Recipient
	Location    string
	Description string
}

// Executor performs the external action and returns the provider's id for
// the created artifact. Implementations must not retry internally; retry
// policy belongs to the caller of the draft core.
type Executor interface {
	SendEmail(ctx context.Context, params EmailParams) (externalID string, err error)
	CreateEvent(ctx context.Context, params EventParams) (externalID string, err error)
}

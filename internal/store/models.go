package store

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups when no row matches. Both backends
// return it so callers never have to know which one is wired.
var ErrNotFound = errors.New("not found")

type DraftType string

const (
	DraftEmail         DraftType = "EMAIL"
	DraftCalendarEvent DraftType = "CALENDAR_EVENT"
)

func ValidDraftType(t DraftType) bool {
	return t == DraftEmail || t == DraftCalendarEvent
}

type DraftStatus string

const (
	StatusActive DraftStatus = "ACTIVE"
	// StatusSending marks a draft whose external action is in flight. The
	// compare-and-swap into this status is what collapses concurrent sends.
	StatusSending        DraftStatus = "SENDING"
	StatusClosed         DraftStatus = "CLOSED"
	StatusExecutionError DraftStatus = "EXECUTION_ERROR"
)

// Recipient identity is the lower-cased email; display names are cosmetic.
type Recipient struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

func (r Recipient) Key() string {
	return strings.ToLower(strings.TrimSpace(r.Email))
}

// Attachment describes a staged object in the attachment bucket; the bytes
// themselves live in object storage until send time.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type EmailFields struct {
	To      []Recipient `json:"to,omitempty"`
	CC      []Recipient `json:"cc,omitempty"`
	BCC     []Recipient `json:"bcc,omitempty"`
	Subject string      `json:"subject,omitempty"`
	Body    string      `json:"body,omitempty"`
	// GmailThreadID links the draft to an existing provider thread. Its
	// presence is what makes the draft a reply.
	GmailThreadID string       `json:"gmailThreadId,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

func (f EmailFields) IsReply() bool {
	return strings.TrimSpace(f.GmailThreadID) != ""
}

type CalendarFields struct {
	Summary     string      `json:"summary,omitempty"`
	StartTime   *time.Time  `json:"startTime,omitempty"`
	EndTime     *time.Time  `json:"endTime,omitempty"`
	Attendees   []Recipient `json:"attendees,omitempty"`
	Location    string      `json:"location,omitempty"`
	Description string      `json:"description,omitempty"`
}

// ExecutionResult records the outcome of the single external invocation.
// Set exactly once, on the transition out of SENDING.
type ExecutionResult struct {
	ExternalID string    `json:"externalId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Draft is the central entity: a partially-filled future external action.
// Exactly one of Email/Calendar is non-nil, matching Type.
type Draft struct {
	ID        string
	Type      DraftType
	Status    DraftStatus
	ThreadID  string
	MessageID string
	// Version backs optimistic concurrency; every field or status write
	// increments it.
	Version   int64
	Email     *EmailFields
	Calendar  *CalendarFields
	Result    *ExecutionResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can mutate field sets without
// aliasing stored state.
func (d Draft) Clone() Draft {
	out := d
	if d.Email != nil {
		email := *d.Email
		email.To = append([]Recipient(nil), d.Email.To...)
		email.CC = append([]Recipient(nil), d.Email.CC...)
		email.BCC = append([]Recipient(nil), d.Email.BCC...)
		email.Attachments = append([]Attachment(nil), d.Email.Attachments...)
		out.Email = &email
	}
	if d.Calendar != nil {
		cal := *d.Calendar
		cal.Attendees = append([]Recipient(nil), d.Calendar.Attendees...)
		if d.Calendar.StartTime != nil {
			start := *d.Calendar.StartTime
			cal.StartTime = &start
		}
		if d.Calendar.EndTime != nil {
			end := *d.Calendar.EndTime
			cal.EndTime = &end
		}
		out.Calendar = &cal
	}
	if d.Result != nil {
		result := *d.Result
		out.Result = &result
	}
	return out
}

// DraftRevision is one applied partial update, kept for history/audit.
type DraftRevision struct {
	ID        int64
	DraftID   string
	Version   int64
	Fields    []byte
	CreatedAt time.Time
}

// Message is one conversational turn in a thread.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Text      string
	CreatedAt time.Time
}

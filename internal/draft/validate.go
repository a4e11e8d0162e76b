package draft

import (
	"strings"

	"concierge/api/internal/store"
)

// Field names as they appear in missingFields payloads. The per-type order
// below is declared, not derived, so user-facing messages stay stable.
const (
	FieldTo        = "to"
	FieldSubject   = "subject"
	FieldBody      = "body"
	FieldSummary   = "summary"
	FieldStartTime = "startTime"
	FieldEndTime   = "endTime"
)

type ValidationResult struct {
	IsComplete    bool     `json:"isComplete"`
	MissingFields []string `json:"missingFields"`
}

// Validate computes completeness for a draft. Pure: identical persisted
// state always yields the identical result.
//
// Email requires a non-empty "to", a subject (waived for replies), and a
// body. Calendar events require summary, start, and end times.
func Validate(d store.Draft) ValidationResult {
	missing := make([]string, 0)

	switch d.Type {
	case store.DraftEmail:
		if d.Email == nil || len(d.Email.To) == 0 {
			missing = append(missing, FieldTo)
		}
		if d.Email == nil || (strings.TrimSpace(d.Email.Subject) == "" && !d.Email.IsReply()) {
			missing = append(missing, FieldSubject)
		}
		if d.Email == nil || strings.TrimSpace(d.Email.Body) == "" {
			missing = append(missing, FieldBody)
		}
	case store.DraftCalendarEvent:
		if d.Calendar == nil || strings.TrimSpace(d.Calendar.Summary) == "" {
			missing = append(missing, FieldSummary)
		}
		if d.Calendar == nil || d.Calendar.StartTime == nil {
			missing = append(missing, FieldStartTime)
		}
		if d.Calendar == nil || d.Calendar.EndTime == nil {
			missing = append(missing, FieldEndTime)
		}
	}

	return ValidationResult{
		IsComplete:    len(missing) == 0,
		MissingFields: missing,
	}
}

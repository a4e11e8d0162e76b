package draft

import (
	"fmt"

	"concierge/api/internal/extract"
	"concierge/api/internal/store"
)

// Merge applies an extracted partial field set to a draft and returns the
// updated copy. The input draft is never mutated.
//
// Policy: a present scalar overwrites (the extractor only emits fields the
// user referenced), an absent scalar never clears, and recipient lists are
// unioned by lower-cased email. Applying the same extraction twice yields
// the same result as applying it once.
func Merge(d store.Draft, p extract.Fields) (store.Draft, error) {
	if d.Status != store.StatusActive {
		return store.Draft{}, fmt.Errorf("%w: status is %s", ErrInvalidState, d.Status)
	}
	if p.Type != d.Type {
		return store.Draft{}, &MergeRejectedError{
			Reason: fmt.Sprintf("payload type %s does not match draft type %s", p.Type, d.Type),
		}
	}

	out := d.Clone()
	switch d.Type {
	case store.DraftEmail:
		if p.Email == nil {
			return store.Draft{}, &MergeRejectedError{Reason: "missing email fields payload"}
		}
		merged := mergeEmail(*out.Email, *p.Email)
		out.Email = &merged
	case store.DraftCalendarEvent:
		if p.Calendar == nil {
			return store.Draft{}, &MergeRejectedError{Reason: "missing calendar fields payload"}
		}
		merged := mergeCalendar(*out.Calendar, *p.Calendar)
		out.Calendar = &merged
	default:
		return store.Draft{}, &MergeRejectedError{Reason: fmt.Sprintf("unknown draft type %s", d.Type)}
	}
	return out, nil
}

// NewFields builds the initial field set for a fresh draft of the given
// type, running the same merge policy against an empty base.
func NewFields(draftType store.DraftType, p extract.Fields) (*store.EmailFields, *store.CalendarFields, error) {
	if p.Type != draftType {
		return nil, nil, &MergeRejectedError{
			Reason: fmt.Sprintf("payload type %s does not match draft type %s", p.Type, draftType),
		}
	}
	switch draftType {
	case store.DraftEmail:
		if p.Email == nil {
			return nil, nil, &MergeRejectedError{Reason: "missing email fields payload"}
		}
		merged := mergeEmail(store.EmailFields{}, *p.Email)
		return &merged, nil, nil
	case store.DraftCalendarEvent:
		if p.Calendar == nil {
			return nil, nil, &MergeRejectedError{Reason: "missing calendar fields payload"}
		}
		merged := mergeCalendar(store.CalendarFields{}, *p.Calendar)
		return nil, &merged, nil
	default:
		return nil, nil, &MergeRejectedError{Reason: fmt.Sprintf("unknown draft type %s", draftType)}
	}
}

func mergeEmail(existing store.EmailFields, p extract.EmailPartial) store.EmailFields {
	out := existing
	out.To = unionRecipients(existing.To, p.To)
	out.CC = unionRecipients(existing.CC, p.CC)
	out.BCC = unionRecipients(existing.BCC, p.BCC)
	if p.Subject != nil {
		out.Subject = *p.Subject
	}
	if p.Body != nil {
		out.Body = *p.Body
	}
	if p.GmailThreadID != nil {
		out.GmailThreadID = *p.GmailThreadID
	}
	return out
}

func mergeCalendar(existing store.CalendarFields, p extract.CalendarPartial) store.CalendarFields {
	out := existing
	out.Attendees = unionRecipients(existing.Attendees, p.Attendees)
	if p.Summary != nil {
		out.Summary = *p.Summary
	}
	if p.StartTime != nil {
		start := *p.StartTime
		out.StartTime = &start
	}
	if p.EndTime != nil {
		end := *p.EndTime
		out.EndTime = &end
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	return out
}

// unionRecipients appends incoming recipients not already present by
// identity key. Existing entries are never dropped or reordered.
func unionRecipients(existing, incoming []store.Recipient) []store.Recipient {
	if len(incoming) == 0 {
		return append([]store.Recipient(nil), existing...)
	}

	out := append([]store.Recipient(nil), existing...)
	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[r.Key()] = true
	}
	for _, r := range incoming {
		key := r.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

package extract

import (
	"encoding/json"
	"errors"
	"testing"

	"concierge/api/internal/store"
)

func TestParseResultNonDraftIntent(t *testing.T) {
	result, err := ParseResult([]byte(`{"isDraftIntent": false}`))
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if result.IsDraftIntent {
		t.Error("expected non-draft intent")
	}
}

func TestParseResultEmail(t *testing.T) {
	raw := []byte(`{
		"isDraftIntent": true,
		"draftType": "email",
		"updateMode": false,
		"fields": {
			"to": [{"email": "jane@example.com", "name": "Jane"}],
			"subject": "Offsite",
			"body": "Can we meet Thursday?"
		}
	}`)

	result, err := ParseResult(raw)
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if !result.IsDraftIntent || result.DraftType != store.DraftEmail {
		t.Fatalf("result = %+v", result)
	}
	p := result.Fields.Email
	if p == nil {
		t.Fatal("email partial missing")
	}
	if len(p.To) != 1 || p.To[0].Email != "jane@example.com" || p.To[0].DisplayName != "Jane" {
		t.Errorf("to = %v", p.To)
	}
	if p.Subject == nil || *p.Subject != "Offsite" {
		t.Errorf("subject = %v", p.Subject)
	}
	if p.Body == nil || *p.Body != "Can we meet Thursday?" {
		t.Errorf("body = %v", p.Body)
	}
}

func TestParseResultMalformedJSON(t *testing.T) {
	_, err := ParseResult([]byte(`not json at all`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseResultUnknownType(t *testing.T) {
	_, err := ParseResult([]byte(`{"isDraftIntent": true, "draftType": "carrier_pigeon"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseFieldsNameOnlyRecipientGoesUnresolved(t *testing.T) {
	raw := json.RawMessage(`{
		"to": [{"name": "Jane"}, {"email": "sam@example.com"}],
		"cc": [{"name": "Priya"}]
	}`)

	fields, err := ParseFields(store.DraftEmail, raw)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	p := fields.Email
	if len(p.To) != 1 || p.To[0].Email != "sam@example.com" {
		t.Errorf("resolved to = %v", p.To)
	}
	if len(p.Unresolved) != 2 {
		t.Fatalf("unresolved = %v", p.Unresolved)
	}
	if p.Unresolved[0].Name != "Jane" || p.Unresolved[0].List != "to" {
		t.Errorf("unresolved[0] = %+v", p.Unresolved[0])
	}
	if p.Unresolved[1].Name != "Priya" || p.Unresolved[1].List != "cc" {
		t.Errorf("unresolved[1] = %+v", p.Unresolved[1])
	}
}

func TestParseFieldsCalendarTimes(t *testing.T) {
	raw := json.RawMessage(`{
		"summary": "Planning sync",
		"startTime": "2026-09-01T14:00:00Z",
		"endTime": "2026-09-01T15:00:00Z",
		"attendees": [{"email": "jane@example.com"}]
	}`)

	fields, err := ParseFields(store.DraftCalendarEvent, raw)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	p := fields.Calendar
	if p.Summary == nil || *p.Summary != "Planning sync" {
		t.Errorf("summary = %v", p.Summary)
	}
	if p.StartTime == nil || p.EndTime == nil {
		t.Fatalf("times = %v, %v", p.StartTime, p.EndTime)
	}
	if !p.EndTime.After(*p.StartTime) {
		t.Errorf("end %v not after start %v", p.EndTime, p.StartTime)
	}
	if len(p.Attendees) != 1 {
		t.Errorf("attendees = %v", p.Attendees)
	}
}

func TestParseFieldsBadTimestamp(t *testing.T) {
	raw := json.RawMessage(`{"summary": "Sync", "startTime": "next Tuesday"}`)
	_, err := ParseFields(store.DraftCalendarEvent, raw)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseFieldsEmptyPayload(t *testing.T) {
	fields, err := ParseFields(store.DraftEmail, nil)
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	p := fields.Email
	if p == nil {
		t.Fatal("email partial missing")
	}
	if p.Subject != nil || p.Body != nil || len(p.To) != 0 {
		t.Errorf("empty payload produced fields: %+v", p)
	}
}

func TestParseFieldsOmittedVsPresent(t *testing.T) {
	fields, err := ParseFields(store.DraftEmail, json.RawMessage(`{"subject": ""}`))
	if err != nil {
		t.Fatalf("ParseFields failed: %v", err)
	}
	p := fields.Email
	if p.Subject == nil {
		t.Error("explicit empty subject should be present, not nil")
	}
	if p.Body != nil {
		t.Error("omitted body should be nil")
	}
}

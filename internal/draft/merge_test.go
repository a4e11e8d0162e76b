package draft

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"concierge/api/internal/extract"
	"concierge/api/internal/store"
)

func strptr(s string) *string { return &s }

func activeEmailDraft() store.Draft {
	return store.Draft{
		ID:     "dr-1",
		Type:   store.DraftEmail,
		Status: store.StatusActive,
		Email: &store.EmailFields{
			To:      []store.Recipient{{Email: "jane@example.com", DisplayName: "Jane"}},
			Subject: "Original subject",
			Body:    "Original body",
		},
	}
}

func TestMergePresentScalarOverwrites(t *testing.T) {
	d := activeEmailDraft()
	merged, err := Merge(d, extract.Fields{
		Type:  store.DraftEmail,
		Email: &extract.EmailPartial{Subject: strptr("New subject")},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Email.Subject != "New subject" {
		t.Errorf("subject = %q, want %q", merged.Email.Subject, "New subject")
	}
	if merged.Email.Body != "Original body" {
		t.Errorf("absent body should not change, got %q", merged.Email.Body)
	}
}

func TestMergeAbsentScalarNeverClears(t *testing.T) {
	d := activeEmailDraft()
	merged, err := Merge(d, extract.Fields{
		Type:  store.DraftEmail,
		Email: &extract.EmailPartial{},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Email.Subject != "Original subject" || merged.Email.Body != "Original body" {
		t.Errorf("empty partial changed fields: %+v", merged.Email)
	}
	if len(merged.Email.To) != 1 {
		t.Errorf("recipients changed: %v", merged.Email.To)
	}
}

func TestMergeUnionRecipients(t *testing.T) {
	d := activeEmailDraft()
	merged, err := Merge(d, extract.Fields{
		Type: store.DraftEmail,
		Email: &extract.EmailPartial{
			To: []store.Recipient{
				{Email: "JANE@example.com", DisplayName: "Jane Again"}, // duplicate by identity
				{Email: "sam@example.com"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(merged.Email.To) != 2 {
		t.Fatalf("to = %v, want 2 entries", merged.Email.To)
	}
	if merged.Email.To[0].Email != "jane@example.com" {
		t.Errorf("existing recipient reordered or replaced: %v", merged.Email.To)
	}
	if merged.Email.To[1].Email != "sam@example.com" {
		t.Errorf("new recipient not appended: %v", merged.Email.To)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	d := activeEmailDraft()
	partial := extract.Fields{
		Type: store.DraftEmail,
		Email: &extract.EmailPartial{
			To:      []store.Recipient{{Email: "sam@example.com"}},
			Subject: strptr("Updated"),
		},
	}

	once, err := Merge(d, partial)
	if err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	twice, err := Merge(once, partial)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if !reflect.DeepEqual(once.Email, twice.Email) {
		t.Errorf("merge not idempotent:\nonce:  %+v\ntwice: %+v", once.Email, twice.Email)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	d := activeEmailDraft()
	_, err := Merge(d, extract.Fields{
		Type: store.DraftEmail,
		Email: &extract.EmailPartial{
			To:      []store.Recipient{{Email: "sam@example.com"}},
			Subject: strptr("Changed"),
		},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if d.Email.Subject != "Original subject" {
		t.Errorf("input draft mutated: subject = %q", d.Email.Subject)
	}
	if len(d.Email.To) != 1 {
		t.Errorf("input draft mutated: to = %v", d.Email.To)
	}
}

func TestMergeRejectsTypeMismatch(t *testing.T) {
	d := activeEmailDraft()
	_, err := Merge(d, extract.Fields{
		Type:     store.DraftCalendarEvent,
		Calendar: &extract.CalendarPartial{Summary: strptr("Sync")},
	})
	var rejected *MergeRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected MergeRejectedError, got %v", err)
	}
}

func TestMergeRejectsNonActiveDraft(t *testing.T) {
	d := activeEmailDraft()
	d.Status = store.StatusClosed
	_, err := Merge(d, extract.Fields{
		Type:  store.DraftEmail,
		Email: &extract.EmailPartial{Subject: strptr("Too late")},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestMergeCalendarTimes(t *testing.T) {
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	d := store.Draft{
		ID:     "dr-2",
		Type:   store.DraftCalendarEvent,
		Status: store.StatusActive,
		Calendar: &store.CalendarFields{
			Summary:   "Standup",
			StartTime: &start,
		},
	}

	merged, err := Merge(d, extract.Fields{
		Type: store.DraftCalendarEvent,
		Calendar: &extract.CalendarPartial{
			EndTime:   &end,
			Attendees: []store.Recipient{{Email: "sam@example.com"}},
		},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.Calendar.StartTime == nil || !merged.Calendar.StartTime.Equal(start) {
		t.Errorf("start time changed: %v", merged.Calendar.StartTime)
	}
	if merged.Calendar.EndTime == nil || !merged.Calendar.EndTime.Equal(end) {
		t.Errorf("end time not set: %v", merged.Calendar.EndTime)
	}
	if len(merged.Calendar.Attendees) != 1 {
		t.Errorf("attendees = %v", merged.Calendar.Attendees)
	}
}

func TestNewFieldsBuildsFromEmptyBase(t *testing.T) {
	email, calendar, err := NewFields(store.DraftEmail, extract.Fields{
		Type: store.DraftEmail,
		Email: &extract.EmailPartial{
			To:   []store.Recipient{{Email: "jane@example.com"}},
			Body: strptr("Hi Jane"),
		},
	})
	if err != nil {
		t.Fatalf("NewFields failed: %v", err)
	}
	if calendar != nil {
		t.Error("calendar fields set for email draft")
	}
	if email == nil || len(email.To) != 1 || email.Body != "Hi Jane" {
		t.Errorf("email fields = %+v", email)
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"concierge/api/internal/action"
	"concierge/api/internal/anchor"
	"concierge/api/internal/authpw"
	"concierge/api/internal/config"
	"concierge/api/internal/contacts"
	"concierge/api/internal/draft"
	"concierge/api/internal/extract"
	"concierge/api/internal/session"
	"concierge/api/internal/store"
)

type stubExecutor struct {
	sendCalls  atomic.Int64
	eventCalls atomic.Int64
	err        error
}

func (e *stubExecutor) SendEmail(_ context.Context, _ action.EmailParams) (string, error) {
	e.sendCalls.Add(1)
	if e.err != nil {
		return "", e.err
	}
	return "gmail-msg-1", nil
}

func (e *stubExecutor) CreateEvent(_ context.Context, _ action.EventParams) (string, error) {
	e.eventCalls.Add(1)
	if e.err != nil {
		return "", e.err
	}
	return "cal-event-1", nil
}

// scriptedExtractor returns canned extraction results in order.
type scriptedExtractor struct {
	results []extract.Result
	err     error
	calls   int
}

func (e *scriptedExtractor) Extract(_ context.Context, _ string, _ []store.Message, _ *store.Draft) (extract.Result, error) {
	if e.err != nil {
		return extract.Result{}, e.err
	}
	if e.calls >= len(e.results) {
		return extract.Result{}, nil
	}
	result := e.results[e.calls]
	e.calls++
	return result, nil
}

type testEnv struct {
	service   *Service
	store     *store.MemoryStore
	executor  *stubExecutor
	extractor *scriptedExtractor
	resolver  *contacts.StaticResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	}

	dataStore := store.NewMemoryStore()
	executor := &stubExecutor{}
	extractor := &scriptedExtractor{}
	resolver := contacts.NewStaticResolver(map[string]store.Recipient{
		"jane": {Email: "jane@example.com", DisplayName: "Jane Doe"},
	})

	service := New(cfg, Deps{
		Store:     dataStore,
		Anchors:   anchor.NewManager(anchor.NewMemoryStore(), dataStore),
		Bridge:    draft.NewBridge(dataStore, executor, nil, time.Second),
		Extractor: extractor,
		Resolver:  resolver,
		Search:    nil,
		Sessions:  session.NewMemoryStore(),
		Passwords: authpw.NewService(""),
	})

	return &testEnv{
		service:   service,
		store:     dataStore,
		executor:  executor,
		extractor: extractor,
		resolver:  resolver,
	}
}

func draftID(t *testing.T, payload map[string]any) string {
	t.Helper()
	id, ok := payload["id"].(string)
	if !ok || id == "" {
		t.Fatalf("payload has no draft id: %v", payload)
	}
	return id
}

func missingFields(t *testing.T, payload map[string]any) []string {
	t.Helper()
	validation, ok := payload["validation"].(map[string]any)
	if !ok {
		t.Fatalf("payload has no validation: %v", payload)
	}
	fields, ok := validation["missingFields"].([]string)
	if !ok {
		t.Fatalf("validation has no missingFields: %v", validation)
	}
	return fields
}

func TestDraftLifecycleEmailToSend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields:   json.RawMessage(`{"to": [{"email": "jane@example.com"}]}`),
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	id := draftID(t, created)
	if got := missingFields(t, created); !reflect.DeepEqual(got, []string{"subject", "body"}) {
		t.Errorf("missing after create = %v, want [subject body]", got)
	}

	updated, err := env.service.UpdateDraft(ctx, id, json.RawMessage(`{"subject": "Offsite"}`))
	if err != nil {
		t.Fatalf("UpdateDraft failed: %v", err)
	}
	if got := missingFields(t, updated); !reflect.DeepEqual(got, []string{"body"}) {
		t.Errorf("missing after subject = %v, want [body]", got)
	}

	updated, err = env.service.UpdateDraft(ctx, id, json.RawMessage(`{"body": "Can we meet Thursday?"}`))
	if err != nil {
		t.Fatalf("UpdateDraft failed: %v", err)
	}
	if got := missingFields(t, updated); len(got) != 0 {
		t.Errorf("missing after body = %v, want none", got)
	}

	sent, err := env.service.SendDraft(ctx, id)
	if err != nil {
		t.Fatalf("SendDraft failed: %v", err)
	}
	if sent["status"] != "CLOSED" || sent["externalId"] != "gmail-msg-1" {
		t.Errorf("send payload = %v", sent)
	}
	if env.executor.sendCalls.Load() != 1 {
		t.Errorf("executor called %d times", env.executor.sendCalls.Load())
	}

	// Further edits are rejected.
	_, err = env.service.UpdateDraft(ctx, id, json.RawMessage(`{"body": "one more thing"}`))
	status, code, _, _ := mapError(err)
	if status != http.StatusConflict || code != "INVALID_STATE" {
		t.Errorf("update after send mapped to %d %s, want 409 INVALID_STATE", status, code)
	}
}

func TestReplyDraftWaivesSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields: json.RawMessage(`{
			"to": [{"email": "jane@example.com"}],
			"gmailThreadId": "thread-abc",
			"body": "Sounds good."
		}`),
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	if got := missingFields(t, created); len(got) != 0 {
		t.Errorf("reply draft missing = %v, want none", got)
	}
}

func TestCalendarDraftValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "CALENDAR_EVENT",
		Fields: json.RawMessage(`{
			"summary": "Planning sync",
			"startTime": "2026-09-01T14:00:00Z"
		}`),
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}
	id := draftID(t, created)
	if got := missingFields(t, created); !reflect.DeepEqual(got, []string{"endTime"}) {
		t.Errorf("missing = %v, want [endTime]", got)
	}

	// Sending an incomplete draft fails without touching the executor.
	_, err = env.service.SendDraft(ctx, id)
	status, code, _, details := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "INCOMPLETE_DRAFT" {
		t.Errorf("incomplete send mapped to %d %s", status, code)
	}
	if details == nil {
		t.Error("incomplete send should carry missingFields details")
	}
	if env.executor.eventCalls.Load() != 0 {
		t.Error("executor invoked for incomplete draft")
	}

	if _, err := env.service.UpdateDraft(ctx, id, json.RawMessage(`{"endTime": "2026-09-01T15:00:00Z"}`)); err != nil {
		t.Fatalf("UpdateDraft failed: %v", err)
	}
	sent, err := env.service.SendDraft(ctx, id)
	if err != nil {
		t.Fatalf("SendDraft failed: %v", err)
	}
	if sent["externalId"] != "cal-event-1" {
		t.Errorf("send payload = %v", sent)
	}
}

func TestCreateDraftSetsAnchor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields:   json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	payload, err := env.service.GetAnchor(ctx, "th-1")
	if err != nil {
		t.Fatalf("GetAnchor failed: %v", err)
	}
	p, ok := payload["anchor"].(anchor.Pointer)
	if !ok {
		t.Fatalf("anchor payload = %v", payload)
	}
	if p.ItemID != draftID(t, created) {
		t.Errorf("anchor = %+v", p)
	}
}

func TestSendClearsAnchor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields: json.RawMessage(`{
			"to": [{"email": "jane@example.com"}],
			"subject": "Hi",
			"body": "There"
		}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.service.SendDraft(ctx, draftID(t, created)); err != nil {
		t.Fatalf("SendDraft failed: %v", err)
	}

	payload, err := env.service.GetAnchor(ctx, "th-1")
	if err != nil {
		t.Fatal(err)
	}
	if payload["anchor"] != nil {
		t.Errorf("anchor survived send: %v", payload["anchor"])
	}
}

func TestSendExactlyOnceUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields: json.RawMessage(`{
			"to": [{"email": "jane@example.com"}],
			"subject": "Hi",
			"body": "There"
		}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	id := draftID(t, created)

	const callers = 10
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.service.SendDraft(ctx, id); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := env.executor.sendCalls.Load(); got != 1 {
		t.Errorf("executor called %d times, want 1", got)
	}
	if got := successes.Load(); got != 1 {
		t.Errorf("%d sends succeeded, want 1", got)
	}
}

func TestSendFailureSurfacesExecutionError(t *testing.T) {
	env := newTestEnv(t)
	env.executor.err = fmt.Errorf("gmail: 503")
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields: json.RawMessage(`{
			"to": [{"email": "jane@example.com"}],
			"subject": "Hi",
			"body": "There"
		}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	id := draftID(t, created)

	_, err = env.service.SendDraft(ctx, id)
	status, code, _, _ := mapError(err)
	if status != http.StatusBadGateway || code != "EXECUTION_FAILED" {
		t.Errorf("failed send mapped to %d %s", status, code)
	}

	got, err := env.service.GetDraft(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got["status"] != "EXECUTION_ERROR" {
		t.Errorf("status = %v, want EXECUTION_ERROR", got["status"])
	}
}

func TestCreateDraftConflictsOnDuplicateMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	input := CreateDraftInput{
		ThreadID:  "th-1",
		MessageID: "msg-1",
		Type:      "EMAIL",
		Fields:    json.RawMessage(`{}`),
	}
	if _, err := env.service.CreateDraft(ctx, input); err != nil {
		t.Fatal(err)
	}

	_, err := env.service.CreateDraft(ctx, input)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 DomainError, got %v", err)
	}
}

func TestCreateDraftResolvesContacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields:   json.RawMessage(`{"to": [{"name": "Jane"}]}`),
	})
	if err != nil {
		t.Fatalf("CreateDraft failed: %v", err)
	}

	fields, ok := created["fields"].(*store.EmailFields)
	if !ok {
		t.Fatalf("fields payload = %T", created["fields"])
	}
	if len(fields.To) != 1 || fields.To[0].Email != "jane@example.com" {
		t.Errorf("resolved to = %v", fields.To)
	}
}

func TestCreateDraftUnknownContact(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.CreateDraft(context.Background(), CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields:   json.RawMessage(`{"to": [{"name": "Zorblax"}]}`),
	})
	status, code, _, _ := mapError(err)
	if status != http.StatusUnprocessableEntity || code != "UNRESOLVED_RECIPIENT" {
		t.Errorf("unresolved contact mapped to %d %s", status, code)
	}
}

func TestHandleTurnCreatesDraftAndAnchors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	subject := "Offsite"
	env.extractor.results = []extract.Result{{
		IsDraftIntent: true,
		DraftType:     store.DraftEmail,
		Fields: extract.Fields{
			Type: store.DraftEmail,
			Email: &extract.EmailPartial{
				To:      []store.Recipient{{Email: "jane@example.com"}},
				Subject: &subject,
			},
		},
	}}

	payload, err := env.service.HandleTurn(ctx, "th-1", "email Jane about the offsite")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	draftPayload, ok := payload["draft"].(map[string]any)
	if !ok {
		t.Fatalf("turn payload has no draft: %v", payload)
	}
	if got := missingFields(t, draftPayload); !reflect.DeepEqual(got, []string{"body"}) {
		t.Errorf("missing = %v, want [body]", got)
	}

	anchorPayload, err := env.service.GetAnchor(ctx, "th-1")
	if err != nil {
		t.Fatal(err)
	}
	p, ok := anchorPayload["anchor"].(anchor.Pointer)
	if !ok || p.ItemID != draftID(t, draftPayload) {
		t.Errorf("anchor = %v", anchorPayload["anchor"])
	}

	// Both turns of the exchange were recorded.
	messages, err := env.store.ListMessagesByThread(ctx, "th-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("messages = %v", messages)
	}
}

func TestHandleTurnUpdatesAnchoredDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	subject := "Offsite"
	body := "Can we meet Thursday?"
	env.extractor.results = []extract.Result{
		{
			IsDraftIntent: true,
			DraftType:     store.DraftEmail,
			Fields: extract.Fields{
				Type: store.DraftEmail,
				Email: &extract.EmailPartial{
					To:      []store.Recipient{{Email: "jane@example.com"}},
					Subject: &subject,
				},
			},
		},
		{
			IsDraftIntent: true,
			DraftType:     store.DraftEmail,
			UpdateMode:    true,
			Fields: extract.Fields{
				Type:  store.DraftEmail,
				Email: &extract.EmailPartial{Body: &body},
			},
		},
	}

	first, err := env.service.HandleTurn(ctx, "th-1", "email Jane about the offsite")
	if err != nil {
		t.Fatal(err)
	}
	firstDraft := first["draft"].(map[string]any)

	second, err := env.service.HandleTurn(ctx, "th-1", "say: can we meet Thursday?")
	if err != nil {
		t.Fatal(err)
	}
	secondDraft, ok := second["draft"].(map[string]any)
	if !ok {
		t.Fatalf("second turn has no draft: %v", second)
	}

	if draftID(t, firstDraft) != draftID(t, secondDraft) {
		t.Error("update turn created a new draft instead of editing the anchored one")
	}
	if got := missingFields(t, secondDraft); len(got) != 0 {
		t.Errorf("missing after update = %v, want none", got)
	}
}

func TestHandleTurnNonDraftIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.extractor.results = []extract.Result{{IsDraftIntent: false}}

	payload, err := env.service.HandleTurn(ctx, "th-1", "what's the weather like?")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if payload["draft"] != nil {
		t.Errorf("non-draft turn produced a draft: %v", payload["draft"])
	}

	drafts, err := env.store.ListDraftsByThread(ctx, "th-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 0 {
		t.Errorf("drafts created = %d", len(drafts))
	}
}

func TestHandleTurnMalformedExtraction(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.err = fmt.Errorf("%w: bad json", extract.ErrMalformed)

	_, err := env.service.HandleTurn(context.Background(), "th-1", "gibberish")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 DomainError, got %v", err)
	}
}

func TestHandleTurnUnknownContactAsksForAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.extractor.results = []extract.Result{{
		IsDraftIntent: true,
		DraftType:     store.DraftEmail,
		Fields: extract.Fields{
			Type: store.DraftEmail,
			Email: &extract.EmailPartial{
				Unresolved: []extract.UnresolvedRecipient{{Name: "Zorblax", List: "to"}},
			},
		},
	}}

	payload, err := env.service.HandleTurn(ctx, "th-1", "email Zorblax")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if payload["draft"] != nil {
		t.Error("unresolved contact should not create a draft")
	}
	reply, _ := payload["reply"].(string)
	if reply == "" {
		t.Error("expected a reply asking for the address")
	}
}

func TestSetAnchorRejectsTerminalDraft(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.service.CreateDraft(ctx, CreateDraftInput{
		ThreadID: "th-1",
		Type:     "EMAIL",
		Fields: json.RawMessage(`{
			"to": [{"email": "jane@example.com"}],
			"subject": "Hi",
			"body": "There"
		}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	id := draftID(t, created)
	if _, err := env.service.SendDraft(ctx, id); err != nil {
		t.Fatal(err)
	}

	_, err = env.service.SetAnchor(ctx, "th-2", anchor.ItemDraft, id)
	status, code, _, _ := mapError(err)
	if status != http.StatusConflict || code != "INVALID_STATE" {
		t.Errorf("anchoring closed draft mapped to %d %s", status, code)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.service.Login(ctx, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("session = %+v", sess)
	}

	if _, err := env.service.SessionFromToken(ctx, sess.Token); err != nil {
		t.Errorf("SessionFromToken failed: %v", err)
	}

	refreshed, err := env.service.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Token == "" {
		t.Error("refresh yielded no access token")
	}

	// The old refresh token is single use.
	if _, err := env.service.Refresh(ctx, sess.RefreshToken); err == nil {
		t.Error("reused refresh token accepted")
	}

	if err := env.service.Logout(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := env.service.Refresh(ctx, refreshed.RefreshToken); err == nil {
		t.Error("refresh token usable after logout")
	}
}

func TestLoginWithPassword(t *testing.T) {
	env := newTestEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env.service.passwords = authpw.NewService(string(hash))
	ctx := context.Background()

	if _, err := env.service.Login(ctx, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := env.service.Login(ctx, "hunter2"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
}

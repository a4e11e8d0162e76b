package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"concierge/api/internal/authpw"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response body is not JSON: %v\n%s", err, recorder.Body.String())
		}
	}
	return recorder, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if body["status"] != "ready" {
		t.Errorf("body = %v", body)
	}
}

func TestDraftRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, created := doRequest(t, handler, http.MethodPost, "/api/drafts", "", map[string]any{
		"threadId": "th-1",
		"type":     "EMAIL",
		"fields":   map[string]any{"to": []map[string]any{{"email": "jane@example.com"}}},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", recorder.Code, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created draft has no id: %v", created)
	}

	recorder, got := doRequest(t, handler, http.MethodGet, "/api/drafts/"+id, "", nil)
	if recorder.Code != http.StatusOK || got["id"] != id {
		t.Errorf("get status = %d, body = %v", recorder.Code, got)
	}

	recorder, _ = doRequest(t, handler, http.MethodPatch, "/api/drafts/"+id, "", map[string]any{
		"fields": map[string]any{"subject": "Offsite", "body": "Thursday?"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("patch status = %d", recorder.Code)
	}

	recorder, validation := doRequest(t, handler, http.MethodPost, "/api/drafts/"+id+"/validate", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("validate status = %d", recorder.Code)
	}
	if validation["isComplete"] != true {
		t.Errorf("validation = %v", validation)
	}

	recorder, sent := doRequest(t, handler, http.MethodPost, "/api/drafts/"+id+"/send", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %v", recorder.Code, sent)
	}
	if sent["status"] != "CLOSED" || sent["externalId"] != "gmail-msg-1" {
		t.Errorf("send body = %v", sent)
	}

	// Editing a sent draft is rejected with a machine-readable code.
	recorder, errBody := doRequest(t, handler, http.MethodPatch, "/api/drafts/"+id, "", map[string]any{
		"fields": map[string]any{"body": "one more thing"},
	})
	if recorder.Code != http.StatusConflict || errBody["code"] != "INVALID_STATE" {
		t.Errorf("patch after send = %d %v", recorder.Code, errBody)
	}

	recorder, revisions := doRequest(t, handler, http.MethodGet, "/api/drafts/"+id+"/revisions", "", nil)
	if recorder.Code != http.StatusOK {
		t.Errorf("revisions status = %d, body = %v", recorder.Code, revisions)
	}

	recorder, byThread := doRequest(t, handler, http.MethodGet, "/api/threads/th-1/drafts", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("thread drafts status = %d", recorder.Code)
	}
	drafts, _ := byThread["drafts"].([]any)
	if len(drafts) != 1 {
		t.Errorf("thread drafts = %v", byThread)
	}
}

func TestAnchorRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	_, created := doRequest(t, handler, http.MethodPost, "/api/drafts", "", map[string]any{
		"threadId": "th-1",
		"type":     "EMAIL",
		"fields":   map[string]any{},
	})
	id, _ := created["id"].(string)

	recorder, body := doRequest(t, handler, http.MethodPut, "/api/threads/th-2/anchor", "", map[string]any{
		"itemType": "draft",
		"itemId":   id,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("put anchor status = %d, body = %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodGet, "/api/threads/th-2/anchor", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("get anchor status = %d", recorder.Code)
	}
	pointer, _ := body["anchor"].(map[string]any)
	if pointer["itemId"] != id {
		t.Errorf("anchor = %v", body)
	}

	recorder, _ = doRequest(t, handler, http.MethodDelete, "/api/threads/th-2/anchor", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete anchor status = %d", recorder.Code)
	}

	_, body = doRequest(t, handler, http.MethodGet, "/api/threads/th-2/anchor", "", nil)
	if body["anchor"] != nil {
		t.Errorf("anchor after delete = %v", body["anchor"])
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodGet, "/api/unknown", "", nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("status = %d, body = %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodGet, "/api/drafts/dr-missing", "", nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("missing draft = %d %v", recorder.Code, body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodDelete, "/api/drafts/dr-1", "", nil)
	if recorder.Code != http.StatusMethodNotAllowed || body["code"] != "METHOD_NOT_ALLOWED" {
		t.Errorf("status = %d, body = %v", recorder.Code, body)
	}
}

func TestAuthRequiredWhenPasswordConfigured(t *testing.T) {
	env := newTestEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env.service.passwords = authpw.NewService(string(hash))
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodPost, "/api/drafts", "", map[string]any{
		"threadId": "th-1",
		"type":     "EMAIL",
		"fields":   map[string]any{},
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create = %d %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{
		"password": "wrong",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password login = %d %v", recorder.Code, body)
	}

	recorder, session := doRequest(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{
		"password": "hunter2",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login = %d %v", recorder.Code, session)
	}
	token, _ := session["token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", session)
	}

	recorder, body = doRequest(t, handler, http.MethodPost, "/api/drafts", token, map[string]any{
		"threadId": "th-1",
		"type":     "EMAIL",
		"fields":   map[string]any{},
	})
	if recorder.Code != http.StatusCreated {
		t.Errorf("authenticated create = %d %v", recorder.Code, body)
	}

	recorder, body = doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	if recorder.Code != http.StatusOK || body["authenticated"] != true {
		t.Errorf("session check = %d %v", recorder.Code, body)
	}
}

func TestChatTurnRequiresThreadID(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "*").Handler()

	recorder, body := doRequest(t, handler, http.MethodPost, "/api/chat/turn", "", map[string]any{
		"text": "hello",
	})
	if recorder.Code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Errorf("status = %d, body = %v", recorder.Code, body)
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"concierge/api/internal/anchor"
	"concierge/api/internal/attach"
	"concierge/api/internal/auth"
	"concierge/api/internal/authpw"
	"concierge/api/internal/config"
	"concierge/api/internal/contacts"
	"concierge/api/internal/draft"
	"concierge/api/internal/extract"
	"concierge/api/internal/search"
	"concierge/api/internal/session"
	"concierge/api/internal/store"
	"concierge/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	JTI          string
	ExpiresAt    time.Time
}

// ownerSubject identifies the single user this deployment serves.
const ownerSubject = "owner"

// maxMergeRetries bounds the optimistic-concurrency retry loop on field
// updates. Contention on a single user's drafts is rare; five attempts is
// plenty before surfacing a conflict.
const maxMergeRetries = 5

const historyWindow = 20

type dataStore interface {
	InsertDraft(context.Context, store.Draft) error
	GetDraft(context.Context, string) (store.Draft, error)
	GetDraftByMessage(context.Context, string) (store.Draft, error)
	ListDraftsByThread(context.Context, string) ([]store.Draft, error)
	UpdateDraftFields(context.Context, string, int64, *store.EmailFields, *store.CalendarFields) (bool, error)
	TransitionDraft(context.Context, string, store.DraftStatus, store.DraftStatus, *store.ExecutionResult) (bool, error)
	ListDraftRevisions(context.Context, string) ([]store.DraftRevision, error)
	InsertMessage(context.Context, store.Message) error
	ListMessagesByThread(context.Context, string, int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	anchors     *anchor.Manager
	bridge      *draft.Bridge
	extractor   extract.Extractor
	resolver    contacts.Resolver
	search      *search.Service
	sessions    session.Store
	passwords   *authpw.Service
	attachments *attach.Service
}

// Deps carries the optional collaborators. Nil members disable the
// corresponding feature rather than failing startup.
type Deps struct {
	Store       dataStore
	Anchors     *anchor.Manager
	Bridge      *draft.Bridge
	Extractor   extract.Extractor
	Resolver    contacts.Resolver
	Search      *search.Service
	Sessions    session.Store
	Passwords   *authpw.Service
	Attachments *attach.Service
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		anchors:     deps.Anchors,
		bridge:      deps.Bridge,
		extractor:   deps.Extractor,
		resolver:    deps.Resolver,
		search:      deps.Search,
		sessions:    deps.Sessions,
		passwords:   deps.Passwords,
		attachments: deps.Attachments,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

// AuthConfigured reports whether login requires a password. When false the
// API accepts any login (local development).
func (s *Service) AuthConfigured() bool {
	return s.passwords != nil && s.passwords.Configured()
}

func (s *Service) Login(ctx context.Context, password string) (Session, error) {
	if s.AuthConfigured() {
		if err := s.passwords.Verify(password); err != nil {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid password", nil)
		}
	}
	return s.issueSession(ctx)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	if _, err := s.sessions.LookupRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) issueSession(ctx context.Context) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub: ownerSubject,
		JTI: jti,
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := authpw.GenerateRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), ownerSubject, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// --- Drafts ---

type CreateDraftInput struct {
	ThreadID  string          `json:"threadId"`
	MessageID string          `json:"messageId"`
	Type      string          `json:"type"`
	Fields    json.RawMessage `json:"fields"`
}

func (s *Service) CreateDraft(ctx context.Context, input CreateDraftInput) (map[string]any, error) {
	draftType := store.DraftType(strings.ToUpper(strings.TrimSpace(input.Type)))
	if !store.ValidDraftType(draftType) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown draft type %q", input.Type), nil)
	}
	if strings.TrimSpace(input.ThreadID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threadId is required", nil)
	}

	if input.MessageID != "" {
		if _, err := s.store.GetDraftByMessage(ctx, input.MessageID); err == nil {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A draft already exists for this message", nil)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	fields, err := extract.ParseFields(draftType, input.Fields)
	if err != nil {
		return nil, err
	}
	if err := s.resolveRecipients(ctx, &fields); err != nil {
		return nil, err
	}

	email, calendar, err := draft.NewFields(draftType, fields)
	if err != nil {
		return nil, err
	}

	d := store.Draft{
		ID:        util.NewID("dr"),
		Type:      draftType,
		Status:    store.StatusActive,
		ThreadID:  input.ThreadID,
		MessageID: input.MessageID,
		Version:   1,
		Email:     email,
		Calendar:  calendar,
	}
	if err := s.store.InsertDraft(ctx, d); err != nil {
		return nil, err
	}

	if s.anchors != nil {
		if err := s.anchors.Set(ctx, d.ThreadID, anchor.Pointer{ItemType: anchor.ItemDraft, ItemID: d.ID}); err != nil {
			return nil, fmt.Errorf("set anchor: %w", err)
		}
	}
	s.indexDraft(d)

	return s.draftPayload(d), nil
}

func (s *Service) GetDraft(ctx context.Context, draftID string) (map[string]any, error) {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	return s.draftPayload(d), nil
}

func (s *Service) DraftByMessage(ctx context.Context, messageID string) (map[string]any, error) {
	d, err := s.store.GetDraftByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.draftPayload(d), nil
}

func (s *Service) DraftsByThread(ctx context.Context, threadID string) (map[string]any, error) {
	drafts, err := s.store.ListDraftsByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(drafts))
	for _, d := range drafts {
		items = append(items, s.draftPayload(d))
	}
	return map[string]any{"drafts": items}, nil
}

func (s *Service) DraftRevisions(ctx context.Context, draftID string) (map[string]any, error) {
	if _, err := s.store.GetDraft(ctx, draftID); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListDraftRevisions(ctx, draftID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		items = append(items, map[string]any{
			"version":   rev.Version,
			"fields":    json.RawMessage(rev.Fields),
			"createdAt": rev.CreatedAt,
		})
	}
	return map[string]any{"revisions": items}, nil
}

// UpdateDraft applies a partial field set under optimistic concurrency.
// Each attempt re-reads the draft, merges, and conditionally writes against
// the version it read; a lost race re-runs the merge on fresh state.
func (s *Service) UpdateDraft(ctx context.Context, draftID string, rawFields json.RawMessage) (map[string]any, error) {
	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		d, err := s.store.GetDraft(ctx, draftID)
		if err != nil {
			return nil, err
		}

		fields, err := extract.ParseFields(d.Type, rawFields)
		if err != nil {
			return nil, err
		}
		if err := s.resolveRecipients(ctx, &fields); err != nil {
			return nil, err
		}

		merged, err := draft.Merge(d, fields)
		if err != nil {
			return nil, err
		}

		swapped, err := s.store.UpdateDraftFields(ctx, draftID, d.Version, merged.Email, merged.Calendar)
		if err != nil {
			return nil, err
		}
		if swapped {
			merged.Version = d.Version + 1
			s.indexDraft(merged)
			return s.draftPayload(merged), nil
		}
	}
	return nil, domainError(http.StatusConflict, "CONFLICT", "Draft was modified concurrently, retry", nil)
}

func (s *Service) ValidateDraft(ctx context.Context, draftID string) (map[string]any, error) {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	validation := draft.Validate(d)
	return map[string]any{
		"draftId":       d.ID,
		"isComplete":    validation.IsComplete,
		"missingFields": validation.MissingFields,
	}, nil
}

// SendDraft runs the execution bridge and clears the thread anchor once the
// draft leaves ACTIVE.
func (s *Service) SendDraft(ctx context.Context, draftID string) (map[string]any, error) {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if s.bridge == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "No action executor configured", nil)
	}

	outcome, execErr := s.bridge.Execute(ctx, draftID)

	// The anchor must not keep pointing at a draft that just went terminal,
	// whether the send worked or not.
	if final, err := s.store.GetDraft(ctx, draftID); err == nil {
		if final.Status != store.StatusActive && s.anchors != nil {
			_ = s.anchors.Clear(ctx, d.ThreadID)
		}
		s.indexDraft(final)
	}

	if execErr != nil {
		return nil, execErr
	}
	return map[string]any{
		"draftId":    draftID,
		"status":     string(outcome.Status),
		"externalId": outcome.ExternalID,
	}, nil
}

// --- Attachments ---

func (s *Service) AddAttachment(ctx context.Context, draftID, filename, contentType string, r io.Reader, size int64) (map[string]any, error) {
	if s.attachments == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filename is required", nil)
	}

	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d.Type != store.DraftEmail {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "Only email drafts take attachments", nil)
	}
	if d.Status != store.StatusActive {
		return nil, fmt.Errorf("%w: status is %s", draft.ErrInvalidState, d.Status)
	}

	att, err := s.attachments.Put(ctx, draftID, filename, contentType, r, size)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		current, err := s.store.GetDraft(ctx, draftID)
		if err != nil {
			return nil, err
		}
		if current.Status != store.StatusActive {
			_ = s.attachments.Remove(ctx, draftID, att.ID)
			return nil, fmt.Errorf("%w: status is %s", draft.ErrInvalidState, current.Status)
		}
		updated := current.Clone()
		updated.Email.Attachments = append(updated.Email.Attachments, att)

		swapped, err := s.store.UpdateDraftFields(ctx, draftID, current.Version, updated.Email, nil)
		if err != nil {
			return nil, err
		}
		if swapped {
			return map[string]any{"attachment": att}, nil
		}
	}
	_ = s.attachments.Remove(ctx, draftID, att.ID)
	return nil, domainError(http.StatusConflict, "CONFLICT", "Draft was modified concurrently, retry", nil)
}

// --- Anchors ---

func (s *Service) SetAnchor(ctx context.Context, threadID, itemType, itemID string) (map[string]any, error) {
	if s.anchors == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ANCHORS_UNAVAILABLE", "Anchor storage not configured", nil)
	}
	if itemType == "" {
		itemType = anchor.ItemDraft
	}
	if itemType == anchor.ItemDraft {
		d, err := s.store.GetDraft(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if d.Status != store.StatusActive {
			return nil, fmt.Errorf("%w: status is %s", draft.ErrInvalidState, d.Status)
		}
	}
	p := anchor.Pointer{ItemType: itemType, ItemID: itemID}
	if err := s.anchors.Set(ctx, threadID, p); err != nil {
		return nil, err
	}
	return map[string]any{"anchor": p}, nil
}

func (s *Service) GetAnchor(ctx context.Context, threadID string) (map[string]any, error) {
	if s.anchors == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ANCHORS_UNAVAILABLE", "Anchor storage not configured", nil)
	}
	p, ok, err := s.anchors.Resolve(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"anchor": nil}, nil
	}
	return map[string]any{"anchor": p}, nil
}

func (s *Service) ClearAnchor(ctx context.Context, threadID string) error {
	if s.anchors == nil {
		return domainError(http.StatusServiceUnavailable, "ANCHORS_UNAVAILABLE", "Anchor storage not configured", nil)
	}
	return s.anchors.Clear(ctx, threadID)
}

// --- Conversation ---

// HandleTurn runs one chat turn: record the message, extract intent, route
// to draft creation or anchored update, and reply with what is still
// missing. A turn that is not a draft intent records the exchange and does
// nothing else.
func (s *Service) HandleTurn(ctx context.Context, threadID, text string) (map[string]any, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	if s.extractor == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXTRACTOR_UNAVAILABLE", "No intent extractor configured", nil)
	}

	userMsg := store.Message{
		ID:       util.NewID("msg"),
		ThreadID: threadID,
		Role:     "user",
		Text:     text,
	}
	if err := s.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	s.indexMessage(userMsg)

	history, err := s.store.ListMessagesByThread(ctx, threadID, historyWindow)
	if err != nil {
		return nil, err
	}

	var current *store.Draft
	if s.anchors != nil {
		if p, ok, err := s.anchors.Resolve(ctx, threadID); err == nil && ok && p.ItemType == anchor.ItemDraft {
			if d, err := s.store.GetDraft(ctx, p.ItemID); err == nil {
				current = &d
			}
		}
	}

	result, err := s.extractor.Extract(ctx, text, history, current)
	if err != nil {
		if errors.Is(err, extract.ErrMalformed) {
			return nil, domainError(http.StatusBadGateway, "EXTRACTION_MALFORMED", "The assistant could not interpret that message", nil)
		}
		return nil, fmt.Errorf("extract: %w", err)
	}

	if !result.IsDraftIntent {
		return s.finishTurn(ctx, threadID, "Noted. Let me know if you want to draft an email or schedule something.", nil)
	}

	if err := s.resolveRecipients(ctx, &result.Fields); err != nil {
		var resolutionErr *contacts.ResolutionError
		if errors.As(err, &resolutionErr) {
			reply := fmt.Sprintf("I couldn't find an address for %q. Can you give me their email?", resolutionErr.Name)
			return s.finishTurn(ctx, threadID, reply, nil)
		}
		return nil, err
	}

	if result.UpdateMode && current != nil && current.Type == result.DraftType {
		return s.applyTurnUpdate(ctx, threadID, current.ID, result.Fields)
	}

	email, calendar, err := draft.NewFields(result.DraftType, result.Fields)
	if err != nil {
		return nil, err
	}
	d := store.Draft{
		ID:        util.NewID("dr"),
		Type:      result.DraftType,
		Status:    store.StatusActive,
		ThreadID:  threadID,
		MessageID: userMsg.ID,
		Version:   1,
		Email:     email,
		Calendar:  calendar,
	}
	if err := s.store.InsertDraft(ctx, d); err != nil {
		return nil, err
	}
	if s.anchors != nil {
		if err := s.anchors.Set(ctx, threadID, anchor.Pointer{ItemType: anchor.ItemDraft, ItemID: d.ID}); err != nil {
			return nil, fmt.Errorf("set anchor: %w", err)
		}
	}
	s.indexDraft(d)

	return s.finishTurn(ctx, threadID, composeDraftReply(d, true), s.draftPayload(d))
}

func (s *Service) applyTurnUpdate(ctx context.Context, threadID, draftID string, fields extract.Fields) (map[string]any, error) {
	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		d, err := s.store.GetDraft(ctx, draftID)
		if err != nil {
			return nil, err
		}
		merged, err := draft.Merge(d, fields)
		if err != nil {
			return nil, err
		}
		swapped, err := s.store.UpdateDraftFields(ctx, draftID, d.Version, merged.Email, merged.Calendar)
		if err != nil {
			return nil, err
		}
		if swapped {
			merged.Version = d.Version + 1
			s.indexDraft(merged)
			return s.finishTurn(ctx, threadID, composeDraftReply(merged, false), s.draftPayload(merged))
		}
	}
	return nil, domainError(http.StatusConflict, "CONFLICT", "Draft was modified concurrently, retry", nil)
}

func (s *Service) finishTurn(ctx context.Context, threadID, reply string, draftPayload map[string]any) (map[string]any, error) {
	assistantMsg := store.Message{
		ID:       util.NewID("msg"),
		ThreadID: threadID,
		Role:     "assistant",
		Text:     reply,
	}
	if err := s.store.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	s.indexMessage(assistantMsg)

	// no-draft stays an untyped nil so it compares equal to nil
	var draftValue any
	if draftPayload != nil {
		draftValue = draftPayload
	}
	return map[string]any{
		"reply": reply,
		"draft": draftValue,
	}, nil
}

func composeDraftReply(d store.Draft, created bool) string {
	noun := "email draft"
	if d.Type == store.DraftCalendarEvent {
		noun = "calendar event"
	}
	verb := "Updated"
	if created {
		verb = "Started"
	}

	validation := draft.Validate(d)
	if validation.IsComplete {
		return fmt.Sprintf("%s the %s. Everything looks complete, say the word and I'll send it.", verb, noun)
	}
	return fmt.Sprintf("%s the %s. Still missing: %s.", verb, noun, strings.Join(validation.MissingFields, ", "))
}

// --- Search ---

func (s *Service) Search(ctx context.Context, q, filterType, threadID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	return s.search.Search(search.Query{
		Text:           q,
		FilterType:     search.ResultType(filterType),
		FilterThreadID: threadID,
		Limit:          limit,
		Offset:         offset,
	})
}

// --- Helpers ---

func (s *Service) resolveRecipients(ctx context.Context, f *extract.Fields) error {
	resolve := func(u extract.UnresolvedRecipient) (store.Recipient, error) {
		if s.resolver == nil {
			return store.Recipient{}, &contacts.ResolutionError{Name: u.Name}
		}
		return s.resolver.Resolve(ctx, u.Name)
	}

	switch f.Type {
	case store.DraftEmail:
		if f.Email == nil {
			return nil
		}
		for _, u := range f.Email.Unresolved {
			rec, err := resolve(u)
			if err != nil {
				return err
			}
			switch u.List {
			case "cc":
				f.Email.CC = append(f.Email.CC, rec)
			case "bcc":
				f.Email.BCC = append(f.Email.BCC, rec)
			default:
				f.Email.To = append(f.Email.To, rec)
			}
		}
		f.Email.Unresolved = nil
	case store.DraftCalendarEvent:
		if f.Calendar == nil {
			return nil
		}
		for _, u := range f.Calendar.Unresolved {
			rec, err := resolve(u)
			if err != nil {
				return err
			}
			f.Calendar.Attendees = append(f.Calendar.Attendees, rec)
		}
		f.Calendar.Unresolved = nil
	}
	return nil
}

func (s *Service) draftPayload(d store.Draft) map[string]any {
	validation := draft.Validate(d)
	payload := map[string]any{
		"id":        d.ID,
		"type":      string(d.Type),
		"status":    string(d.Status),
		"threadId":  d.ThreadID,
		"version":   d.Version,
		"createdAt": d.CreatedAt,
		"updatedAt": d.UpdatedAt,
		"validation": map[string]any{
			"isComplete":    validation.IsComplete,
			"missingFields": validation.MissingFields,
		},
	}
	if d.MessageID != "" {
		payload["messageId"] = d.MessageID
	}
	switch d.Type {
	case store.DraftEmail:
		payload["fields"] = d.Email
	case store.DraftCalendarEvent:
		payload["fields"] = d.Calendar
	}
	if d.Result != nil {
		payload["executionResult"] = d.Result
	}
	return payload
}

func (s *Service) indexDraft(d store.Draft) {
	if s.search == nil {
		return
	}
	record := search.DraftRecord{
		ID:       d.ID,
		ThreadID: d.ThreadID,
		Type:     string(d.Type),
		Status:   string(d.Status),
	}
	switch d.Type {
	case store.DraftEmail:
		if d.Email != nil {
			record.Title = d.Email.Subject
			record.Body = d.Email.Body
		}
	case store.DraftCalendarEvent:
		if d.Calendar != nil {
			record.Title = d.Calendar.Summary
			record.Body = d.Calendar.Description
		}
	}
	s.search.IndexDraft(record)
}

func (s *Service) indexMessage(m store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Role:     m.Role,
		Body:     m.Text,
	})
}

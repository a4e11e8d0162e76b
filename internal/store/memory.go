package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used when DATABASE_URL is not set
// and by tests. It honors the same CAS semantics as PostgresStore.
type MemoryStore struct {
	mu        sync.Mutex
	drafts    map[string]Draft
	revisions map[string][]DraftRevision
	messages  map[string][]Message
	revSeq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts:    make(map[string]Draft),
		revisions: make(map[string][]DraftRevision),
		messages:  make(map[string][]Message),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InsertDraft(_ context.Context, draft Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.drafts[draft.ID]; exists {
		return fmt.Errorf("insert draft: duplicate id %s", draft.ID)
	}
	now := time.Now()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.UpdatedAt.IsZero() {
		draft.UpdatedAt = now
	}
	s.drafts[draft.ID] = draft.Clone()
	return nil
}

func (s *MemoryStore) GetDraft(_ context.Context, draftID string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return draft.Clone(), nil
}

func (s *MemoryStore) GetDraftByMessage(_ context.Context, messageID string) (Draft, error) {
	if messageID == "" {
		return Draft{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, draft := range s.drafts {
		if draft.MessageID == messageID {
			return draft.Clone(), nil
		}
	}
	return Draft{}, ErrNotFound
}

func (s *MemoryStore) ListDraftsByThread(_ context.Context, threadID string) ([]Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Draft, 0)
	for _, draft := range s.drafts {
		if draft.ThreadID == threadID {
			items = append(items, draft.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpdateDraftFields(_ context.Context, draftID string, expectedVersion int64, email *EmailFields, calendar *CalendarFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return false, nil
	}
	if draft.Version != expectedVersion || draft.Status != StatusActive {
		return false, nil
	}

	draft.Email = email
	draft.Calendar = calendar
	draft.Version++
	draft.UpdatedAt = time.Now()
	s.drafts[draftID] = draft.Clone()

	fields, err := marshalFieldSet(email, calendar)
	if err != nil {
		return false, err
	}
	s.revSeq++
	s.revisions[draftID] = append(s.revisions[draftID], DraftRevision{
		ID:        s.revSeq,
		DraftID:   draftID,
		Version:   draft.Version,
		Fields:    fields,
		CreatedAt: draft.UpdatedAt,
	})
	return true, nil
}

func (s *MemoryStore) TransitionDraft(_ context.Context, draftID string, from, to DraftStatus, execResult *ExecutionResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, ok := s.drafts[draftID]
	if !ok {
		return false, nil
	}
	if draft.Status != from {
		return false, nil
	}

	draft.Status = to
	if execResult != nil {
		result := *execResult
		draft.Result = &result
	}
	draft.Version++
	draft.UpdatedAt = time.Now()
	s.drafts[draftID] = draft.Clone()
	return true, nil
}

func (s *MemoryStore) ListDraftRevisions(_ context.Context, draftID string) ([]DraftRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revisions := s.revisions[draftID]
	items := make([]DraftRevision, len(revisions))
	for i, rev := range revisions {
		items[i] = rev
		items[i].Fields = append(json.RawMessage(nil), rev.Fields...)
	}
	return items, nil
}

func (s *MemoryStore) InsertMessage(_ context.Context, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	for _, existing := range s.messages[message.ThreadID] {
		if existing.ID == message.ID {
			return nil
		}
	}
	s.messages[message.ThreadID] = append(s.messages[message.ThreadID], message)
	return nil
}

func (s *MemoryStore) ListMessagesByThread(_ context.Context, threadID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	all := s.messages[threadID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	return append([]Message(nil), all[start:]...), nil
}

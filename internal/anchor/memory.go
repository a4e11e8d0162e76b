package anchor

import (
	"context"
	"sync"
)

// MemoryStore is the in-process anchor store for dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	pointers map[string]Pointer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pointers: make(map[string]Pointer)}
}

func (s *MemoryStore) Set(_ context.Context, threadID string, p Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[threadID] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (Pointer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pointers[threadID]
	return p, ok, nil
}

func (s *MemoryStore) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pointers, threadID)
	return nil
}

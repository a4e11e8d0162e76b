// Package contacts resolves spoken names ("email Jane about the offsite")
// into addressable recipients.
package contacts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"concierge/api/internal/store"
)

// ResolutionError reports a name that could not be resolved. It is a
// field-level failure: the caller keeps the rest of the extraction and
// surfaces the name back to the user.
type ResolutionError struct {
	Name string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("contact %q not found", e.Name)
}

// Resolver looks up a recipient by the name the user said.
type Resolver interface {
	Resolve(ctx context.Context, name string) (store.Recipient, error)
}

// StaticResolver serves a fixed name -> recipient map; used in dev mode and
// tests. Lookups are case-insensitive on the full name.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]store.Recipient
}

func NewStaticResolver(entries map[string]store.Recipient) *StaticResolver {
	normalized := make(map[string]store.Recipient, len(entries))
	for name, recipient := range entries {
		normalized[strings.ToLower(strings.TrimSpace(name))] = recipient
	}
	return &StaticResolver{entries: normalized}
}

func (r *StaticResolver) Resolve(_ context.Context, name string) (store.Recipient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recipient, ok := r.entries[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return store.Recipient{}, &ResolutionError{Name: name}
	}
	return recipient, nil
}

// Add registers a contact; handy for tests building scenarios.
func (r *StaticResolver) Add(name string, recipient store.Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(strings.TrimSpace(name))] = recipient
}

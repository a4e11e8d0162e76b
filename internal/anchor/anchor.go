// Package anchor tracks, per conversation thread, the single item currently
// in focus for follow-up edits. The pointer is a weak reference: it holds an
// id/type pair and never extends the life of the draft it names.
package anchor

import (
	"context"
	"errors"
	"fmt"

	"concierge/api/internal/draft"
	"concierge/api/internal/store"
)

// Pointer is the per-thread focus value. At most one exists per thread;
// setting a new one discards the old (no history, no stack).
type Pointer struct {
	ItemType string `json:"itemType"`
	ItemID   string `json:"itemId"`
}

const ItemDraft = "draft"

// Store is the keyed pointer storage. Implementations must make Set a
// single atomic replace so concurrent writers for one thread end with
// exactly one of their values, never a torn mix.
type Store interface {
	Set(ctx context.Context, threadID string, p Pointer) error
	Get(ctx context.Context, threadID string) (Pointer, bool, error)
	Clear(ctx context.Context, threadID string) error
}

type draftGetter interface {
	GetDraft(ctx context.Context, draftID string) (store.Draft, error)
}

// Manager layers the staleness rule over a Store: an anchor whose draft has
// gone terminal (or vanished) reads as "no anchor", so update routing can
// never target a finished draft.
type Manager struct {
	store  Store
	drafts draftGetter
}

func NewManager(s Store, drafts draftGetter) *Manager {
	return &Manager{store: s, drafts: drafts}
}

func (m *Manager) Set(ctx context.Context, threadID string, p Pointer) error {
	if p.ItemID == "" {
		return fmt.Errorf("anchor item id required")
	}
	if p.ItemType == "" {
		p.ItemType = ItemDraft
	}
	return m.store.Set(ctx, threadID, p)
}

func (m *Manager) Clear(ctx context.Context, threadID string) error {
	return m.store.Clear(ctx, threadID)
}

// Resolve returns the live anchor for a thread, or ok=false when there is
// none or the referenced draft is no longer ACTIVE. Stale pointers are
// cleared opportunistically; a failed clear is not an error since every
// read re-checks.
func (m *Manager) Resolve(ctx context.Context, threadID string) (Pointer, bool, error) {
	p, ok, err := m.store.Get(ctx, threadID)
	if err != nil || !ok {
		return Pointer{}, false, err
	}
	if p.ItemType != ItemDraft {
		return p, true, nil
	}

	d, err := m.drafts.GetDraft(ctx, p.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		_ = m.store.Clear(ctx, threadID)
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("resolve anchor draft: %w", err)
	}
	if draft.IsTerminal(d.Status) || d.Status != store.StatusActive {
		_ = m.store.Clear(ctx, threadID)
		return Pointer{}, false, nil
	}
	return p, true, nil
}

// Package draft holds the lifecycle core: the status machine, the merge
// policy for extracted partial fields, completeness validation, and the
// execution bridge that hands a finished draft to the external action
// service exactly once.
package draft

import "concierge/api/internal/store"

// transitions is the full status machine. ACTIVE is the only non-terminal
// externally-writable state; SENDING exists so the move out of ACTIVE and
// the external invocation cannot happen twice.
var transitions = map[store.DraftStatus]map[store.DraftStatus]bool{
	store.StatusActive: {
		store.StatusSending: true,
	},
	store.StatusSending: {
		store.StatusClosed:         true,
		store.StatusExecutionError: true,
	},
}

func CanTransition(from, to store.DraftStatus) bool {
	return transitions[from][to]
}

// IsTerminal reports whether no further mutation of any kind is permitted.
func IsTerminal(status store.DraftStatus) bool {
	return status == store.StatusClosed || status == store.StatusExecutionError
}

// Package state implements the per-record sync status lifecycle.
package state

import (
	"fmt"

	"github.com/kimhsiao/recordnexus/internal/models"
)

// transitions enumerates every legal state change. Status is only mutated
// by the sync core; there is no external path into this table.
var transitions = map[models.SyncState][]models.SyncState{
	models.SyncStateNotSynced: {models.SyncStatePending},
	models.SyncStatePending:   {models.SyncStateSyncing},
	// syncing falls back to pending when a transient failure keeps the
	// operation queued for a later cycle.
	models.SyncStateSyncing: {
		models.SyncStateSynced,
		models.SyncStateConflict,
		models.SyncStateError,
		models.SyncStatePending,
	},
	// synced re-enters pending on the next local edit; conflict and error
	// re-enter pending on manual or automatic retry.
	models.SyncStateSynced:   {models.SyncStatePending},
	models.SyncStateConflict: {models.SyncStatePending},
	models.SyncStateError:    {models.SyncStatePending},
}

// Initial returns the state assigned to a newly created record.
func Initial() models.SyncState {
	return models.SyncStatePending
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to models.SyncState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new state.
func Transition(from, to models.SyncState) (models.SyncState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal sync state transition %s -> %s", from, to)
	}
	return to, nil
}

// IsTerminal reports whether the state is terminal-for-now: synced until
// the next local edit, error until the retry count is reset.
func IsTerminal(s models.SyncState) bool {
	return s == models.SyncStateSynced || s == models.SyncStateError
}

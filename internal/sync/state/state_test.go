// Package state tests for the sync status lifecycle.
package state

import (
	"testing"

	"github.com/kimhsiao/recordnexus/internal/models"
)

// TestInitial verifies new records start pending.
func TestInitial(t *testing.T) {
	if got := Initial(); got != models.SyncStatePending {
		t.Errorf("Initial() = %v, want pending", got)
	}
}

// TestCanTransition verifies the legal transition table.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.SyncState
		want     bool
	}{
		{models.SyncStateNotSynced, models.SyncStatePending, true},
		{models.SyncStatePending, models.SyncStateSyncing, true},
		{models.SyncStateSyncing, models.SyncStateSynced, true},
		{models.SyncStateSyncing, models.SyncStateConflict, true},
		{models.SyncStateSyncing, models.SyncStateError, true},
		{models.SyncStateSyncing, models.SyncStatePending, true},
		{models.SyncStateSynced, models.SyncStatePending, true},
		{models.SyncStateConflict, models.SyncStatePending, true},
		{models.SyncStateError, models.SyncStatePending, true},

		{models.SyncStatePending, models.SyncStateSynced, false},
		{models.SyncStateSynced, models.SyncStateSyncing, false},
		{models.SyncStateNotSynced, models.SyncStateSynced, false},
		{models.SyncStateError, models.SyncStateSynced, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestTransition verifies illegal transitions keep the current state.
func TestTransition(t *testing.T) {
	got, err := Transition(models.SyncStatePending, models.SyncStateSyncing)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if got != models.SyncStateSyncing {
		t.Errorf("Transition() = %v, want syncing", got)
	}

	got, err = Transition(models.SyncStatePending, models.SyncStateSynced)
	if err == nil {
		t.Fatal("Transition() expected error for pending -> synced")
	}
	if got != models.SyncStatePending {
		t.Errorf("failed Transition() = %v, want unchanged pending", got)
	}
}

// TestIsTerminal verifies terminal-for-now states.
func TestIsTerminal(t *testing.T) {
	if !IsTerminal(models.SyncStateSynced) {
		t.Error("synced should be terminal")
	}
	if !IsTerminal(models.SyncStateError) {
		t.Error("error should be terminal")
	}
	if IsTerminal(models.SyncStatePending) {
		t.Error("pending should not be terminal")
	}
	if IsTerminal(models.SyncStateConflict) {
		t.Error("conflict should not be terminal")
	}
}

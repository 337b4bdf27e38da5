// Package queue tests for the snapshot fallback chain.
package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kimhsiao/recordnexus/internal/models"
)

// TestSnapshotFirstRun verifies a missing snapshot is not corruption.
func TestSnapshotFirstRun(t *testing.T) {
	store := newSnapshotStore(filepath.Join(t.TempDir(), "queue.json"))

	ops, salvaged, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(ops) != 0 || len(salvaged) != 0 {
		t.Errorf("first run should be empty, got %d ops / %d salvaged", len(ops), len(salvaged))
	}
}

// TestSnapshotRoundTrip verifies save and verified load.
func TestSnapshotRoundTrip(t *testing.T) {
	store := newSnapshotStore(filepath.Join(t.TempDir(), "queue.json"))
	syncID := newSyncID()

	saved := []*models.SyncOperation{{
		ID:       "op-1",
		SyncID:   syncID,
		Type:     models.OperationUpload,
		QueuedAt: 100,
		Data:     uploadData(syncID, "saved", ""),
	}}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ops, salvaged, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(salvaged) != 0 {
		t.Errorf("salvaged = %v, want none", salvaged)
	}
	if len(ops) != 1 || ops[0].SyncID != syncID {
		t.Fatalf("Load() = %v, want the saved operation", ops)
	}
}

// TestSnapshotFallsBackToBackup verifies a corrupted snapshot restores from
// the rolling backup.
func TestSnapshotFallsBackToBackup(t *testing.T) {
	store := newSnapshotStore(filepath.Join(t.TempDir(), "queue.json"))
	syncID := newSyncID()

	first := []*models.SyncOperation{{
		ID: "op-1", SyncID: syncID, Type: models.OperationUpload,
		QueuedAt: 100, Data: uploadData(syncID, "backup copy", ""),
	}}
	if err := store.Save(first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Second save rolls the first snapshot into the backup slot.
	if err := store.Save(first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := os.WriteFile(store.path, []byte("{ garbage"), 0644); err != nil {
		t.Fatalf("corrupting snapshot: %v", err)
	}

	ops, salvaged, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(salvaged) != 0 {
		t.Errorf("salvaged = %v, want none when backup is intact", salvaged)
	}
	if len(ops) != 1 || ops[0].Data.Upload.Record.Title != "backup copy" {
		t.Fatalf("Load() should restore from backup, got %v", ops)
	}
}

// TestSnapshotEmergencySalvage verifies that with both full copies corrupt,
// only the affected record IDs survive.
func TestSnapshotEmergencySalvage(t *testing.T) {
	store := newSnapshotStore(filepath.Join(t.TempDir(), "queue.json"))
	syncID := newSyncID()

	saved := []*models.SyncOperation{{
		ID: "op-1", SyncID: syncID, Type: models.OperationUpload,
		QueuedAt: 100, Data: uploadData(syncID, "lost", ""),
	}}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := os.WriteFile(store.path, []byte("{ garbage"), 0644); err != nil {
		t.Fatalf("corrupting snapshot: %v", err)
	}
	if err := os.WriteFile(store.backupPath(), []byte("also garbage"), 0644); err != nil {
		t.Fatalf("corrupting backup: %v", err)
	}

	ops, salvaged, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("operations should be lost, got %d", len(ops))
	}
	if len(salvaged) != 1 || salvaged[0] != syncID {
		t.Errorf("salvaged = %v, want [%s]", salvaged, syncID)
	}
}

// TestSnapshotUnrecoverableStartsEmpty verifies total loss degrades to an
// empty queue instead of failing startup.
func TestSnapshotUnrecoverableStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := newSnapshotStore(filepath.Join(dir, "queue.json"))

	for _, path := range []string{store.path, store.backupPath(), store.emergencyPath()} {
		if err := os.WriteFile(path, []byte("junk"), 0644); err != nil {
			t.Fatalf("writing junk: %v", err)
		}
	}

	ops, salvaged, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(ops) != 0 || len(salvaged) != 0 {
		t.Errorf("unrecoverable load should be empty, got %d ops / %d salvaged", len(ops), len(salvaged))
	}
}

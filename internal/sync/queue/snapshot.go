// Package queue provides the persistent, consolidating sync operation queue.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
	"github.com/kimhsiao/recordnexus/internal/sync/checksum"
)

// snapshotStore persists the queue to disk. Every write is
// atomic-replace-with-backup, never a partial in-place edit: the previous
// snapshot and its checksum survive as a rolling backup, and a minimal
// emergency file records which records had pending work in case both full
// copies are lost.
type snapshotStore struct {
	path string
}

// emergencySnapshot is the minimal fallback artifact: enough to know which
// records still had pending work, not enough to replay the operations.
type emergencySnapshot struct {
	SyncIDs []models.UUID `json:"sync_ids"`
	SavedAt int64         `json:"saved_at"`
}

func newSnapshotStore(path string) *snapshotStore {
	return &snapshotStore{path: path}
}

func (s *snapshotStore) checksumPath() string { return s.path + ".sha256" }
func (s *snapshotStore) backupPath() string   { return s.path + ".bak" }
func (s *snapshotStore) backupChecksumPath() string {
	return s.path + ".bak.sha256"
}
func (s *snapshotStore) emergencyPath() string { return s.path + ".emergency" }

// Save writes the snapshot, its checksum, the rolling backup of the
// previous snapshot, and the emergency minimal snapshot.
func (s *snapshotStore) Save(ops []*models.SyncOperation) error {
	snap := models.QueueSnapshot{
		Operations: make([]models.SyncOperation, 0, len(ops)),
		SavedAt:    time.Now().Unix(),
	}
	for _, op := range ops {
		snap.Operations = append(snap.Operations, *op)
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to marshal queue snapshot", err)
	}
	digest := checksum.Digest(data)

	// Roll the previous snapshot to the backup slot before replacing it.
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			logging.Warn("Failed to roll queue snapshot backup",
				map[string]interface{}{"error": err.Error()})
		}
		if err := copyFile(s.checksumPath(), s.backupChecksumPath()); err != nil {
			logging.Warn("Failed to roll queue checksum backup",
				map[string]interface{}{"error": err.Error()})
		}
	}

	if err := atomicWrite(s.path, data); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write queue snapshot", err)
	}
	if err := atomicWrite(s.checksumPath(), []byte(digest)); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write queue checksum", err)
	}

	emergency := emergencySnapshot{SavedAt: snap.SavedAt}
	seen := make(map[models.UUID]bool, len(ops))
	for _, op := range ops {
		if !seen[op.SyncID] {
			seen[op.SyncID] = true
			emergency.SyncIDs = append(emergency.SyncIDs, op.SyncID)
		}
	}
	if edata, err := json.Marshal(&emergency); err == nil {
		if err := atomicWrite(s.emergencyPath(), edata); err != nil {
			logging.Warn("Failed to write emergency queue snapshot",
				map[string]interface{}{"error": err.Error()})
		}
	}

	return nil
}

// Load restores the queue, falling back snapshot -> backup -> emergency ->
// empty. Each fallback step is logged as a distinct failure mode. When only
// the emergency snapshot survives, the operations themselves are gone;
// their sync IDs are returned so the affected records can be re-marked
// pending.
func (s *snapshotStore) Load() (ops []*models.SyncOperation, salvaged []models.UUID, err error) {
	if ops, ok := s.loadVerified(s.path, s.checksumPath()); ok {
		return ops, nil, nil
	}

	logging.ErrorWithCode("Queue snapshot corrupt, falling back to backup",
		string(apperrors.ErrQueueCorrupted), nil,
		map[string]interface{}{"failure_mode": "snapshot_corrupt", "path": s.path})

	if ops, ok := s.loadVerified(s.backupPath(), s.backupChecksumPath()); ok {
		return ops, nil, nil
	}

	logging.ErrorWithCode("Queue backup corrupt, falling back to emergency snapshot",
		string(apperrors.ErrQueueCorrupted), nil,
		map[string]interface{}{"failure_mode": "backup_corrupt", "path": s.backupPath()})

	if edata, rerr := os.ReadFile(s.emergencyPath()); rerr == nil {
		var emergency emergencySnapshot
		if jerr := json.Unmarshal(edata, &emergency); jerr == nil {
			logging.ErrorWithCode("Queue restored from emergency snapshot, operations lost",
				string(apperrors.ErrQueueCorrupted), nil,
				map[string]interface{}{
					"failure_mode": "emergency_restore",
					"records":      len(emergency.SyncIDs),
				})
			return nil, emergency.SyncIDs, nil
		}
	}

	logging.ErrorWithCode("Queue unrecoverable, starting empty",
		string(apperrors.ErrQueueCorrupted), nil,
		map[string]interface{}{"failure_mode": "empty_start"})

	return nil, nil, nil
}

// loadVerified reads and checksum-verifies one snapshot/checksum pair.
func (s *snapshotStore) loadVerified(path, checksumPath string) ([]*models.SyncOperation, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == s.path {
			// First run: nothing persisted yet is not corruption.
			if _, berr := os.Stat(s.backupPath()); os.IsNotExist(berr) {
				return nil, true
			}
		}
		return nil, false
	}

	expected, err := os.ReadFile(checksumPath)
	if err != nil {
		return nil, false
	}
	if cerr := checksum.Verify(data, string(expected)); cerr != nil {
		return nil, false
	}

	var snap models.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false
	}

	ops := make([]*models.SyncOperation, 0, len(snap.Operations))
	for i := range snap.Operations {
		op := snap.Operations[i]
		if err := op.Data.Validate(); err != nil {
			// A payload that no longer validates never re-enters the queue.
			logging.Warn("Dropping invalid persisted operation",
				map[string]interface{}{"op_id": op.ID, "error": err.Error()})
			continue
		}
		ops = append(ops, &op)
	}
	return ops, true
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// copyFile copies src to dst, replacing dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return atomicWrite(dst, data)
}

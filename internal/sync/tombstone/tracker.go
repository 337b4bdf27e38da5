// Package tombstone tracks soft-deletion markers so that stale remote
// copies cannot resurrect locally deleted records.
package tombstone

import (
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/logging"
	"github.com/kimhsiao/recordnexus/internal/models"
)

// Store is the persistence surface the tracker needs. *db.Repository
// satisfies it.
type Store interface {
	InsertTombstone(t *models.Tombstone) error
	GetTombstone(syncID models.UUID) (*models.Tombstone, error)
	ListTombstones() ([]*models.Tombstone, error)
	ConfirmTombstone(syncID models.UUID) error
	DeleteTombstonesBefore(cutoff int64) (int, error)
}

// Tracker owns the tombstone lifecycle: creation before the delete
// operation is enqueued, filtering during remote pulls, and retention
// cleanup on an independent schedule.
type Tracker struct {
	store Store
}

// NewTracker creates a new Tracker.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// MarkDeleted creates a tombstone for the record. It must be called before
// the corresponding delete operation is enqueued, so a remote pull racing
// with the delete cannot resurrect the record.
func (t *Tracker) MarkDeleted(syncID models.UUID, deletedBy, reason string) (*models.Tombstone, error) {
	ts := &models.Tombstone{
		SyncID:    syncID,
		DeletedAt: time.Now().Unix(),
		DeletedBy: deletedBy,
		Reason:    reason,
	}
	if err := t.store.InsertTombstone(ts); err != nil {
		return nil, err
	}

	logging.Info("Tombstone created",
		map[string]interface{}{
			"sync_id":    syncID,
			"deleted_by": deletedBy,
		})

	return ts, nil
}

// ConfirmDeleted marks the remote delete for syncID as acknowledged, making
// the tombstone eligible for retention cleanup.
func (t *Tracker) ConfirmDeleted(syncID models.UUID) error {
	return t.store.ConfirmTombstone(syncID)
}

// IsTombstoned reports whether a live tombstone exists for syncID.
func (t *Tracker) IsTombstoned(syncID models.UUID) (bool, error) {
	ts, err := t.store.GetTombstone(syncID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ts != nil, nil
}

// FilterTombstoned removes incoming remote records whose sync ID has a
// live tombstone.
func (t *Tracker) FilterTombstoned(records []*models.Record) ([]*models.Record, error) {
	tombstones, err := t.store.ListTombstones()
	if err != nil {
		return nil, err
	}
	if len(tombstones) == 0 {
		return records, nil
	}

	dead := make(map[models.UUID]bool, len(tombstones))
	for _, ts := range tombstones {
		dead[ts.SyncID] = true
	}

	filtered := make([]*models.Record, 0, len(records))
	for _, rec := range records {
		if dead[rec.SyncID] {
			logging.Debug("Filtered tombstoned remote record",
				map[string]interface{}{"sync_id": rec.SyncID})
			continue
		}
		filtered = append(filtered, rec)
	}
	return filtered, nil
}

// CleanupExpired deletes confirmed tombstones older than the retention
// window and returns the number removed. Unconfirmed tombstones are never
// removed: their remote delete has not been acknowledged yet.
func (t *Tracker) CleanupExpired(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).Unix()
	removed, err := t.store.DeleteTombstonesBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Info("Expired tombstones removed",
			map[string]interface{}{"count": removed})
	}
	return removed, nil
}

// Package models provides data model definitions for RecordNexus Core.
package models

import "time"

// Tombstone records that a record was soft-deleted, so a stale remote copy
// cannot resurrect it during a pull. Confirmed is set once the remote
// delete has been acknowledged; only confirmed tombstones are eligible for
// retention cleanup.
type Tombstone struct {
	SyncID    UUID   `db:"sync_id" json:"sync_id"`
	DeletedAt int64  `db:"deleted_at" json:"deleted_at"`
	DeletedBy string `db:"deleted_by" json:"deleted_by"`
	Reason    string `db:"reason" json:"reason,omitempty"`
	Confirmed bool   `db:"confirmed" json:"confirmed"`
}

// TableName returns the table name for Tombstone.
func (Tombstone) TableName() string {
	return "tombstones"
}

// DeletedAtTime returns DeletedAt as time.Time.
func (t *Tombstone) DeletedAtTime() time.Time {
	return time.Unix(t.DeletedAt, 0)
}

// Expired reports whether the tombstone is older than the retention window.
func (t *Tombstone) Expired(retention time.Duration, now time.Time) bool {
	return now.Sub(t.DeletedAtTime()) > retention
}

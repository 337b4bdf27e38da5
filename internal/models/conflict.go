// Package models provides data model definitions for RecordNexus Core.
package models

import "time"

// ConflictRecord captures an optimistic-concurrency mismatch between a
// local update and the remote's current version. It is consumed when a
// resolution strategy is applied.
type ConflictRecord struct {
	SyncID        UUID    `db:"sync_id" json:"sync_id"`
	LocalVersion  int     `db:"local_version" json:"local_version"`
	RemoteVersion int     `db:"remote_version" json:"remote_version"`
	Local         *Record `db:"-" json:"local"`
	Remote        *Record `db:"-" json:"remote"`
	DetectedAt    int64   `db:"detected_at" json:"detected_at"`
	Resolution    string  `db:"resolution" json:"resolution,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

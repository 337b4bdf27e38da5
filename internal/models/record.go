// Package models provides data model definitions for RecordNexus Core.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncState represents the per-record synchronization status.
type SyncState string

const (
	SyncStateNotSynced SyncState = "not_synced"
	SyncStatePending   SyncState = "pending"
	SyncStateSyncing   SyncState = "syncing"
	SyncStateSynced    SyncState = "synced"
	SyncStateConflict  SyncState = "conflict"
	SyncStateError     SyncState = "error"
)

// Record represents a user record tracked by the sync core.
// SyncID is globally unique and immutable; Version strictly increases
// with every accepted remote write.
type Record struct {
	SyncID         UUID      `db:"sync_id" json:"sync_id"`
	Owner          string    `db:"owner" json:"owner"`
	Title          string    `db:"title" json:"title"`
	Body           string    `db:"body" json:"body"`
	Tags           string    `db:"tags" json:"tags"` // Comma-separated
	Version        int       `db:"version" json:"version"`
	LastModified   int64     `db:"last_modified" json:"last_modified"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	DeletedAt      *int64    `db:"deleted_at" json:"deleted_at,omitempty"`
	ContentHash    string    `db:"content_hash" json:"content_hash,omitempty"`
	AttachmentKey  string    `db:"attachment_key" json:"attachment_key,omitempty"`
	AttachmentSize int64     `db:"attachment_size" json:"attachment_size,omitempty"`
	SyncState      SyncState `db:"sync_state" json:"sync_state"`
	CreatedAt      int64     `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// LastModifiedTime returns LastModified as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.Unix(r.LastModified, 0)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return &out
}

// MarkDeleted flags the record as soft-deleted at the given time.
func (r *Record) MarkDeleted(at int64) {
	r.Deleted = true
	r.DeletedAt = &at
	r.LastModified = at
}

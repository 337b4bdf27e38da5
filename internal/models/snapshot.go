// Package models provides data model definitions for RecordNexus Core.
package models

// QueueSnapshot is the durable on-disk form of the operation queue. The
// content checksum is stored alongside the snapshot, not inside it, so a
// truncated write is detectable.
type QueueSnapshot struct {
	Operations []SyncOperation `json:"operations"`
	SavedAt    int64           `json:"saved_at"`
}

// Package models provides data model definitions for RecordNexus Core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind represents the kind of a queued sync operation.
type OperationKind string

const (
	OperationUpload OperationKind = "upload"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// UploadData carries the payload for an upload (create) operation.
type UploadData struct {
	Record         Record `json:"record"`
	AttachmentPath string `json:"attachment_path,omitempty"`
}

// UpdateData carries the payload for an update operation. BaseVersion is
// the remote version the update was built against; a mismatch at drain
// time is a conflict.
type UpdateData struct {
	Record      Record `json:"record"`
	BaseVersion int    `json:"base_version"`
}

// DeleteData carries the payload for a delete operation.
type DeleteData struct {
	DeletedBy string `json:"deleted_by"`
	Reason    string `json:"reason,omitempty"`
}

// OperationData is the tagged-union payload of a queued operation.
// Exactly one of Upload/Update/Delete is set, matching Kind.
type OperationData struct {
	Kind   OperationKind `json:"kind"`
	Upload *UploadData   `json:"upload,omitempty"`
	Update *UpdateData   `json:"update,omitempty"`
	Delete *DeleteData   `json:"delete,omitempty"`
}

// Validate checks that the payload matches its declared kind.
func (d *OperationData) Validate() error {
	switch d.Kind {
	case OperationUpload:
		if d.Upload == nil || d.Update != nil || d.Delete != nil {
			return fmt.Errorf("upload operation requires exactly the upload payload")
		}
		if d.Upload.Record.SyncID == "" {
			return fmt.Errorf("upload payload missing sync_id")
		}
	case OperationUpdate:
		if d.Update == nil || d.Upload != nil || d.Delete != nil {
			return fmt.Errorf("update operation requires exactly the update payload")
		}
		if d.Update.Record.SyncID == "" {
			return fmt.Errorf("update payload missing sync_id")
		}
		if d.Update.BaseVersion < 1 {
			return fmt.Errorf("update payload base_version must be >= 1, got %d", d.Update.BaseVersion)
		}
	case OperationDelete:
		if d.Delete == nil || d.Upload != nil || d.Update != nil {
			return fmt.Errorf("delete operation requires exactly the delete payload")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", d.Kind)
	}
	return nil
}

// RecordPayload returns the record snapshot carried by the payload, or nil
// for delete operations.
func (d *OperationData) RecordPayload() *Record {
	switch d.Kind {
	case OperationUpload:
		if d.Upload != nil {
			return &d.Upload.Record
		}
	case OperationUpdate:
		if d.Update != nil {
			return &d.Update.Record
		}
	}
	return nil
}

// SyncOperation represents a unit of pending sync work.
type SyncOperation struct {
	ID         string        `json:"id"`
	SyncID     UUID          `json:"sync_id"`
	Type       OperationKind `json:"type"`
	QueuedAt   int64         `json:"queued_at"` // Unix nanoseconds
	RetryCount int           `json:"retry_count"`
	Priority   int           `json:"priority"`
	Data       OperationData `json:"data"`
}

// QueuedAtTime returns QueuedAt as time.Time.
func (op *SyncOperation) QueuedAtTime() time.Time {
	return time.Unix(0, op.QueuedAt)
}

// MarshalData serializes the operation payload for storage.
func (op *SyncOperation) MarshalData() (json.RawMessage, error) {
	return json.Marshal(&op.Data)
}

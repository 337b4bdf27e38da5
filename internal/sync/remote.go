// Package sync implements the offline synchronization engine: the
// orchestrated cycle that drains the operation queue, reconciles remote
// state, and emits sync events.
package sync

import (
	"context"

	"github.com/kimhsiao/recordnexus/internal/models"
)

// RecordStore is the remote record store collaborator: owner-scoped CRUD
// with optimistic concurrency. Implementations signal expected outcomes as
// NOT_FOUND and VERSION_CONFLICT error codes, never as panics.
type RecordStore interface {
	// Create stores a new record and returns the stored copy.
	Create(ctx context.Context, rec *models.Record) (*models.Record, error)

	// Get fetches a record by sync ID.
	Get(ctx context.Context, syncID models.UUID) (*models.Record, error)

	// Update overwrites a record if its current remote version equals
	// expectedVersion, returning the stored copy with the incremented
	// version. A mismatch returns a VERSION_CONFLICT error.
	Update(ctx context.Context, rec *models.Record, expectedVersion int) (*models.Record, error)

	// List returns all records for an owner.
	List(ctx context.Context, owner string) ([]*models.Record, error)
}

// ProgressFunc reports transfer progress in bytes.
type ProgressFunc func(transferred, total int64)

// BlobStore is the remote binary store collaborator. Implementations route
// payloads at or above their multipart threshold through a chunked path
// and report per-chunk progress.
type BlobStore interface {
	// Put stores data under key and returns the final key.
	Put(ctx context.Context, key string, data []byte, contentType string, progress ProgressFunc) (string, error)

	// Get fetches data by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes data by key.
	Delete(ctx context.Context, key string) error
}

// LocalStore is the local record store collaborator, synchronous from the
// core's perspective. *db.Repository satisfies it.
type LocalStore interface {
	GetRecord(syncID models.UUID) (*models.Record, error)
	ListRecords(owner string) ([]*models.Record, error)
	ListPendingDeletions(owner string) ([]*models.Record, error)
	InsertRecord(rec *models.Record) error
	UpdateRecord(rec *models.Record) error
	SetSyncState(syncID models.UUID, s models.SyncState) error
	DeleteRecord(syncID models.UUID) error
}

// Connectivity reports the device's network state. The orchestrator checks
// it before every cycle.
type Connectivity interface {
	Online() bool
	NetworkType() string // e.g. "wifi", "cellular"
}

// alwaysOnline is the default connectivity source.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool        { return true }
func (alwaysOnline) NetworkType() string { return "wifi" }

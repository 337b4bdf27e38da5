// Package db provides CRUD repository operations for RecordNexus models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
	"github.com/kimhsiao/recordnexus/internal/models"
)

// Repository provides CRUD operations over the local store.
// Statements are prepared on first use and cached for reuse.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// prepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `sync_id, owner, title, body, tags, version, last_modified,
	deleted, deleted_at, content_hash, attachment_key, attachment_size, sync_state, created_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var rec models.Record
	var deletedAt sql.NullInt64
	err := row.Scan(&rec.SyncID, &rec.Owner, &rec.Title, &rec.Body, &rec.Tags,
		&rec.Version, &rec.LastModified, &rec.Deleted, &deletedAt,
		&rec.ContentHash, &rec.AttachmentKey, &rec.AttachmentSize,
		&rec.SyncState, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Int64
	}
	return &rec, nil
}

// InsertRecord inserts a new record.
func (r *Repository) InsertRecord(rec *models.Record) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	stmt, err := r.prepareStmt(`INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert record", err)
	}
	_, err = stmt.Exec(rec.SyncID, rec.Owner, rec.Title, rec.Body, rec.Tags,
		rec.Version, rec.LastModified, rec.Deleted, rec.DeletedAt,
		rec.ContentHash, rec.AttachmentKey, rec.AttachmentSize,
		rec.SyncState, rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert record", err).WithSyncID(rec.SyncID.String())
	}
	return nil
}

// GetRecord fetches a record by sync ID. Returns a NOT_FOUND error when the
// record does not exist; absence is an expected outcome, not an exception.
func (r *Repository) GetRecord(syncID models.UUID) (*models.Record, error) {
	stmt, err := r.prepareStmt(`SELECT ` + recordColumns + ` FROM records WHERE sync_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get record", err)
	}
	rec, err := scanRecord(stmt.QueryRow(syncID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "record not found").WithSyncID(syncID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get record", err).WithSyncID(syncID.String())
	}
	return rec, nil
}

// ListRecords returns all records for an owner, deleted ones included.
func (r *Repository) ListRecords(owner string) ([]*models.Record, error) {
	stmt, err := r.prepareStmt(`SELECT ` + recordColumns + ` FROM records WHERE owner = ? ORDER BY created_at`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	rows, err := stmt.Query(owner)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListPendingDeletions returns soft-deleted records still awaiting a queued
// delete operation.
func (r *Repository) ListPendingDeletions(owner string) ([]*models.Record, error) {
	stmt, err := r.prepareStmt(`SELECT ` + recordColumns + ` FROM records
		WHERE owner = ? AND deleted = 1 AND sync_state = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list pending deletions", err)
	}
	rows, err := stmt.Query(owner, models.SyncStatePending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list pending deletions", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateRecord overwrites a record by sync ID.
func (r *Repository) UpdateRecord(rec *models.Record) error {
	stmt, err := r.prepareStmt(`UPDATE records SET owner = ?, title = ?, body = ?, tags = ?,
		version = ?, last_modified = ?, deleted = ?, deleted_at = ?, content_hash = ?,
		attachment_key = ?, attachment_size = ?, sync_state = ? WHERE sync_id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update record", err)
	}
	res, err := stmt.Exec(rec.Owner, rec.Title, rec.Body, rec.Tags,
		rec.Version, rec.LastModified, rec.Deleted, rec.DeletedAt, rec.ContentHash,
		rec.AttachmentKey, rec.AttachmentSize, rec.SyncState, rec.SyncID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update record", err).WithSyncID(rec.SyncID.String())
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperrors.New(apperrors.ErrNotFound, "record not found").WithSyncID(rec.SyncID.String())
	}
	return nil
}

// SetSyncState updates only the sync_state column.
func (r *Repository) SetSyncState(syncID models.UUID, s models.SyncState) error {
	stmt, err := r.prepareStmt(`UPDATE records SET sync_state = ? WHERE sync_id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set sync state", err)
	}
	if _, err := stmt.Exec(s, syncID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set sync state", err).WithSyncID(syncID.String())
	}
	return nil
}

// DeleteRecord removes a record row entirely. Soft deletion goes through
// MarkDeleted on the record plus the tombstone table; this is the hard
// removal used once a delete is confirmed remotely.
func (r *Repository) DeleteRecord(syncID models.UUID) error {
	stmt, err := r.prepareStmt(`DELETE FROM records WHERE sync_id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete record", err)
	}
	if _, err := stmt.Exec(syncID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete record", err).WithSyncID(syncID.String())
	}
	return nil
}

// =====================================================
// Tombstone Operations
// =====================================================

// InsertTombstone stores a tombstone, replacing any previous one for the
// same sync ID.
func (r *Repository) InsertTombstone(t *models.Tombstone) error {
	stmt, err := r.prepareStmt(`INSERT OR REPLACE INTO tombstones
		(sync_id, deleted_at, deleted_by, reason, confirmed) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert tombstone", err)
	}
	if _, err := stmt.Exec(t.SyncID, t.DeletedAt, t.DeletedBy, t.Reason, t.Confirmed); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert tombstone", err).WithSyncID(t.SyncID.String())
	}
	return nil
}

// GetTombstone fetches a tombstone by sync ID.
func (r *Repository) GetTombstone(syncID models.UUID) (*models.Tombstone, error) {
	stmt, err := r.prepareStmt(`SELECT sync_id, deleted_at, deleted_by, reason, confirmed
		FROM tombstones WHERE sync_id = ?`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get tombstone", err)
	}
	var t models.Tombstone
	err = stmt.QueryRow(syncID).Scan(&t.SyncID, &t.DeletedAt, &t.DeletedBy, &t.Reason, &t.Confirmed)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "tombstone not found").WithSyncID(syncID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get tombstone", err)
	}
	return &t, nil
}

// ListTombstones returns all live tombstones.
func (r *Repository) ListTombstones() ([]*models.Tombstone, error) {
	rows, err := r.db.Query(`SELECT sync_id, deleted_at, deleted_by, reason, confirmed FROM tombstones`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list tombstones", err)
	}
	defer rows.Close()

	var tombstones []*models.Tombstone
	for rows.Next() {
		var t models.Tombstone
		if err := rows.Scan(&t.SyncID, &t.DeletedAt, &t.DeletedBy, &t.Reason, &t.Confirmed); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan tombstone", err)
		}
		tombstones = append(tombstones, &t)
	}
	return tombstones, rows.Err()
}

// ConfirmTombstone marks the remote delete as acknowledged.
func (r *Repository) ConfirmTombstone(syncID models.UUID) error {
	stmt, err := r.prepareStmt(`UPDATE tombstones SET confirmed = 1 WHERE sync_id = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "confirm tombstone", err)
	}
	if _, err := stmt.Exec(syncID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "confirm tombstone", err).WithSyncID(syncID.String())
	}
	return nil
}

// DeleteTombstonesBefore removes confirmed tombstones older than cutoff and
// returns the number removed.
func (r *Repository) DeleteTombstonesBefore(cutoff int64) (int, error) {
	res, err := r.db.Exec(`DELETE FROM tombstones WHERE confirmed = 1 AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "delete expired tombstones", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =====================================================
// Conflict Log Operations
// =====================================================

// InsertConflict appends a conflict log entry.
func (r *Repository) InsertConflict(c *models.ConflictRecord) error {
	stmt, err := r.prepareStmt(`INSERT INTO conflict_log
		(sync_id, local_version, remote_version, detected_at, resolution) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert conflict", err)
	}
	if _, err := stmt.Exec(c.SyncID, c.LocalVersion, c.RemoteVersion, c.DetectedAt, c.Resolution); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert conflict", err).WithSyncID(c.SyncID.String())
	}
	return nil
}

// SetConflictResolution records how the latest conflict for a record was
// resolved.
func (r *Repository) SetConflictResolution(syncID models.UUID, resolution string) error {
	stmt, err := r.prepareStmt(`UPDATE conflict_log SET resolution = ?
		WHERE id = (SELECT MAX(id) FROM conflict_log WHERE sync_id = ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set conflict resolution", err)
	}
	if _, err := stmt.Exec(resolution, syncID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set conflict resolution", err).WithSyncID(syncID.String())
	}
	return nil
}

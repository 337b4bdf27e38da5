// Package db provides database schema migration management.
package db

import (
	"fmt"

	apperrors "github.com/kimhsiao/recordnexus/internal/errors"
)

// schema holds the ordered migration statements. Versions are applied
// exactly once; the applied version is tracked in schema_migrations.
var schema = []struct {
	version     int
	description string
	stmt        string
}{
	{
		version:     1,
		description: "records table with sync bookkeeping",
		stmt: `
		CREATE TABLE IF NOT EXISTS records (
			sync_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1 CHECK(version >= 1),
			last_modified INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER,
			content_hash TEXT NOT NULL DEFAULT '',
			attachment_key TEXT NOT NULL DEFAULT '',
			attachment_size INTEGER NOT NULL DEFAULT 0,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner);
		CREATE INDEX IF NOT EXISTS idx_records_sync_state ON records(sync_state);`,
	},
	{
		version:     2,
		description: "tombstones table",
		stmt: `
		CREATE TABLE IF NOT EXISTS tombstones (
			sync_id TEXT PRIMARY KEY,
			deleted_at INTEGER NOT NULL,
			deleted_by TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			confirmed INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tombstones_deleted_at ON tombstones(deleted_at);`,
	},
	{
		version:     3,
		description: "conflict log",
		stmt: `
		CREATE TABLE IF NOT EXISTS conflict_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_id TEXT NOT NULL,
			local_version INTEGER NOT NULL,
			remote_version INTEGER NOT NULL,
			detected_at INTEGER NOT NULL,
			resolution TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_conflict_log_sync_id ON conflict_log(sync_id);`,
	},
}

// migrate applies any pending schema migrations.
func (db *DB) migrate() error {
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize schema_migrations", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to read schema version", err)
	}

	for _, m := range schema {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to begin migration", err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return apperrors.Wrap(apperrors.ErrMigration,
				fmt.Sprintf("migration %d (%s) failed", m.version, m.description), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, strftime('%s','now'), ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return apperrors.Wrap(apperrors.ErrMigration, "failed to record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to commit migration", err)
		}
	}

	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// schemaMigration is one versioned schema step. Statements are applied in
// a single transaction together with the bookkeeping row.
type schemaMigration struct {
	version     int
	description string
	statements  []string
}

// The recovery queue is a separate table so normal compaction never
// touches it.
var schemaMigrations = []schemaMigration{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS offline_content (
				id TEXT PRIMARY KEY CHECK(length(id) = 36),
				type TEXT NOT NULL CHECK(type IN ('post', 'comment')),
				content TEXT NOT NULL DEFAULT '',
				publish_at INTEGER NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('scheduled', 'publishing', 'published', 'cancelled', 'failed')),
				author_id TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 1 CHECK(version > 0),
				has_active_update INTEGER NOT NULL DEFAULT 0 CHECK(has_active_update IN (0, 1)),
				last_modified INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS offline_timers (
				content_id TEXT PRIMARY KEY CHECK(length(content_id) = 36),
				publish_at INTEGER NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0, 1)),
				error_count INTEGER NOT NULL DEFAULT 0,
				last_access INTEGER NOT NULL,
				saved_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_queue (
				id TEXT PRIMARY KEY CHECK(length(id) = 36),
				content_id TEXT NOT NULL,
				action TEXT NOT NULL CHECK(action IN ('create', 'update', 'delete')),
				data BLOB NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'completed', 'failed', 'conflict')),
				version INTEGER NOT NULL DEFAULT 1,
				server_version INTEGER NOT NULL DEFAULT 0,
				resolution TEXT NOT NULL DEFAULT '' CHECK(resolution IN ('', 'local', 'server', 'manual')),
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				next_attempt INTEGER NOT NULL DEFAULT 0,
				priority INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_content ON sync_queue(content_id)`,
			`CREATE TABLE IF NOT EXISTS recovery_queue (
				id TEXT PRIMARY KEY CHECK(length(id) = 36),
				content_id TEXT NOT NULL,
				action TEXT NOT NULL,
				data BLOB NOT NULL,
				sync_error TEXT NOT NULL DEFAULT '',
				retry_count INTEGER NOT NULL DEFAULT 0,
				parked_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS conflict_log (
				id TEXT PRIMARY KEY CHECK(length(id) = 36),
				content_id TEXT NOT NULL,
				local_version INTEGER NOT NULL,
				server_version INTEGER NOT NULL,
				resolution TEXT NOT NULL,
				detected_at INTEGER NOT NULL,
				resolved_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS change_log (
				id TEXT PRIMARY KEY CHECK(length(id) = 36),
				content_id TEXT NOT NULL,
				action TEXT NOT NULL,
				version INTEGER NOT NULL,
				timestamp INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS engine_kv (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
}

// migrate applies any schema migrations newer than the current version.
func (s *Store) migrate() error {
	if _, err := s.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL CHECK(length(description) > 0)
	)`); err != nil {
		return err
	}

	var current int
	if err := s.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return err
	}

	for _, m := range schemaMigrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m schemaMigration) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now().Unix(), m.description,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// CurrentVersion returns the current schema version.
func (s *Store) CurrentVersion() (int, error) {
	var version int
	err := s.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

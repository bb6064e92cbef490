// Package store provides durable state survival across restarts and
// crashes: the sync queue, the recovery queue, content and timer
// snapshots, all kept in a single SQLite database under the data
// directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sql.DB with engine-specific configuration.
type Store struct {
	*sql.DB
}

// Open opens the engine database with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single writer (SQLite does not support multiple)
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "nightpress.db")

	// Pure Go driver, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// OpenMemory opens an in-memory store, used by tests and as the
// degraded mode after persistent storage failures.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Usage returns the current database size in bytes.
func (s *Store) Usage() (int64, error) {
	var pageCount, pageSize int64
	if err := s.QueryRow("PRAGMA page_count;").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.QueryRow("PRAGMA page_size;").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Vacuum reclaims free pages after compaction deletes rows.
func (s *Store) Vacuum() error {
	_, err := s.Exec("VACUUM;")
	return err
}

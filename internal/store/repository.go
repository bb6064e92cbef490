package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nightpress/nightpress/internal/models"
	"github.com/nightpress/nightpress/internal/uuid"
)

// Repository provides CRUD operations for all persisted engine state.
// The repository never mutates domain fields: it only serializes,
// deserializes and enforces storage bounds.
type Repository struct {
	store *Store

	// Prepared statement cache for frequently used queries.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(store *Store) *Repository {
	return &Repository{store: store}
}

// prepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.store.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
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
// ScheduledContent Operations
// =====================================================

// UpsertContent inserts or replaces a content row.
func (r *Repository) UpsertContent(item *models.ScheduledContent) error {
	query := `
	INSERT INTO offline_content (id, type, content, publish_at, status, author_id, version, has_active_update, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		content = excluded.content,
		publish_at = excluded.publish_at,
		status = excluded.status,
		author_id = excluded.author_id,
		version = excluded.version,
		has_active_update = excluded.has_active_update,
		last_modified = excluded.last_modified
	`
	_, err := r.store.Exec(query, item.ID, item.Type, item.Content, item.PublishAt,
		item.Status, item.AuthorID, item.Version, item.HasActiveUpdate, item.LastModified)
	return err
}

// ReconcileContent inserts a content row, or updates it only when the
// incoming version is strictly newer than the stored one. Used after
// replay so the stored row, which already reflects at least the
// replayed state, wins over the stale snapshot.
func (r *Repository) ReconcileContent(item *models.ScheduledContent) error {
	query := `
	INSERT INTO offline_content (id, type, content, publish_at, status, author_id, version, has_active_update, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		content = excluded.content,
		publish_at = excluded.publish_at,
		status = excluded.status,
		author_id = excluded.author_id,
		version = excluded.version,
		has_active_update = excluded.has_active_update,
		last_modified = excluded.last_modified
	WHERE excluded.version > offline_content.version
	`
	_, err := r.store.Exec(query, item.ID, item.Type, item.Content, item.PublishAt,
		item.Status, item.AuthorID, item.Version, item.HasActiveUpdate, item.LastModified)
	return err
}

// GetContent retrieves a content item by ID.
func (r *Repository) GetContent(id models.UUID) (*models.ScheduledContent, error) {
	query := `
	SELECT id, type, content, publish_at, status, author_id, version, has_active_update, last_modified
	FROM offline_content WHERE id = ?
	`
	stmt, err := r.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	var item models.ScheduledContent
	err = stmt.QueryRow(id).Scan(
		&item.ID, &item.Type, &item.Content, &item.PublishAt, &item.Status,
		&item.AuthorID, &item.Version, &item.HasActiveUpdate, &item.LastModified,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListContent returns all content rows ordered by publish time.
func (r *Repository) ListContent() ([]*models.ScheduledContent, error) {
	rows, err := r.store.Query(`
	SELECT id, type, content, publish_at, status, author_id, version, has_active_update, last_modified
	FROM offline_content ORDER BY publish_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.ScheduledContent
	for rows.Next() {
		var item models.ScheduledContent
		if err := rows.Scan(
			&item.ID, &item.Type, &item.Content, &item.PublishAt, &item.Status,
			&item.AuthorID, &item.Version, &item.HasActiveUpdate, &item.LastModified,
		); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// DeleteContent removes a content row.
func (r *Repository) DeleteContent(id models.UUID) error {
	_, err := r.store.Exec("DELETE FROM offline_content WHERE id = ?", id)
	return err
}

// =====================================================
// Sync Queue Operations
// =====================================================

const syncItemColumns = `id, content_id, action, data, status, version, server_version,
	resolution, retry_count, max_retries, next_attempt, priority, last_error, created_at, updated_at`

// UpsertQueueItem inserts or replaces a queue row. The unique index on
// content_id enforces the at-most-one-live-entry invariant; a newer
// mutation for the same content replaces the existing row.
func (r *Repository) UpsertQueueItem(item *models.SyncItem) error {
	query := `
	INSERT INTO sync_queue (` + syncItemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(content_id) DO UPDATE SET
		id = excluded.id,
		action = excluded.action,
		data = excluded.data,
		status = excluded.status,
		version = excluded.version,
		server_version = excluded.server_version,
		resolution = excluded.resolution,
		retry_count = excluded.retry_count,
		max_retries = excluded.max_retries,
		next_attempt = excluded.next_attempt,
		priority = excluded.priority,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := r.store.Exec(query,
		item.ID, item.ContentID, item.Action, []byte(item.Data), item.Status,
		item.Version, item.ServerVersion, item.Resolution, item.RetryCount,
		item.MaxRetries, item.NextAttempt, item.Priority, item.LastError,
		item.CreatedAt, item.UpdatedAt)
	return err
}

func scanSyncItem(scan func(dest ...interface{}) error) (*models.SyncItem, error) {
	var item models.SyncItem
	var data []byte
	err := scan(
		&item.ID, &item.ContentID, &item.Action, &data, &item.Status,
		&item.Version, &item.ServerVersion, &item.Resolution, &item.RetryCount,
		&item.MaxRetries, &item.NextAttempt, &item.Priority, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Data = data
	return &item, nil
}

// GetQueueItemByContent retrieves the live queue entry for a content ID.
func (r *Repository) GetQueueItemByContent(contentID models.UUID) (*models.SyncItem, error) {
	stmt, err := r.prepareStmt(`SELECT ` + syncItemColumns + ` FROM sync_queue WHERE content_id = ?`)
	if err != nil {
		return nil, err
	}
	return scanSyncItem(stmt.QueryRow(contentID).Scan)
}

// ListQueue returns every queue row, highest priority first.
func (r *Repository) ListQueue() ([]*models.SyncItem, error) {
	rows, err := r.store.Query(`SELECT ` + syncItemColumns + ` FROM sync_queue ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncItem
	for rows.Next() {
		item, err := scanSyncItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LoadActiveQueue restores only the rows a restart should resume:
// pending, failed and conflict. Terminal rows are never restored.
func (r *Repository) LoadActiveQueue() ([]*models.SyncItem, error) {
	// Items that died mid-processing in a previous run go back to
	// pending; replay is idempotent so re-running them is safe.
	if _, err := r.store.Exec("UPDATE sync_queue SET status = ? WHERE status = ?",
		models.SyncStatusPending, models.SyncStatusProcessing); err != nil {
		return nil, err
	}

	rows, err := r.store.Query(`
	SELECT `+syncItemColumns+` FROM sync_queue
	WHERE status IN (?, ?, ?)
	ORDER BY priority DESC, created_at
	`, models.SyncStatusPending, models.SyncStatusFailed, models.SyncStatusConflict)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncItem
	for rows.Next() {
		item, err := scanSyncItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteQueueItem removes a queue row by item ID.
func (r *Repository) DeleteQueueItem(id models.UUID) error {
	_, err := r.store.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// DeleteQueueItemUpTo removes a queue row only while its version has
// not moved past the given one. A newer mutation that replaced the row
// mid-replay survives and replays on the next drain.
func (r *Repository) DeleteQueueItemUpTo(id models.UUID, version int) error {
	_, err := r.store.Exec("DELETE FROM sync_queue WHERE id = ? AND version <= ?", id, version)
	return err
}

// =====================================================
// Recovery Queue Operations
// =====================================================

// ParkRecoveryItem copies a failed queue item into the recovery queue.
func (r *Repository) ParkRecoveryItem(item *models.SyncItem, syncError string) error {
	query := `
	INSERT INTO recovery_queue (id, content_id, action, data, sync_error, retry_count, parked_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data,
		sync_error = excluded.sync_error,
		retry_count = excluded.retry_count,
		parked_at = excluded.parked_at
	`
	_, err := r.store.Exec(query, item.ID, item.ContentID, item.Action,
		[]byte(item.Data), syncError, item.RetryCount, time.Now().Unix())
	return err
}

// GetRecoveryItem retrieves one parked item by ID.
func (r *Repository) GetRecoveryItem(id models.UUID) (*models.RecoveryItem, error) {
	stmt, err := r.prepareStmt(`
	SELECT id, content_id, action, data, sync_error, retry_count, parked_at
	FROM recovery_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	var item models.RecoveryItem
	var data []byte
	err = stmt.QueryRow(id).Scan(&item.ID, &item.ContentID, &item.Action,
		&data, &item.SyncError, &item.RetryCount, &item.ParkedAt)
	if err != nil {
		return nil, err
	}
	item.Data = data
	return &item, nil
}

// ListRecovery returns all parked items, oldest first.
func (r *Repository) ListRecovery() ([]*models.RecoveryItem, error) {
	rows, err := r.store.Query(`
	SELECT id, content_id, action, data, sync_error, retry_count, parked_at
	FROM recovery_queue ORDER BY parked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.RecoveryItem
	for rows.Next() {
		var item models.RecoveryItem
		var data []byte
		if err := rows.Scan(&item.ID, &item.ContentID, &item.Action,
			&data, &item.SyncError, &item.RetryCount, &item.ParkedAt); err != nil {
			return nil, err
		}
		item.Data = data
		items = append(items, &item)
	}
	return items, rows.Err()
}

// DeleteRecoveryItem removes a parked item.
func (r *Repository) DeleteRecoveryItem(id models.UUID) error {
	_, err := r.store.Exec("DELETE FROM recovery_queue WHERE id = ?", id)
	return err
}

// =====================================================
// Timer Snapshot Operations
// =====================================================

// SaveTimerSnapshots replaces the persisted timer set atomically. Called
// on every meaningful timer mutation and by the periodic auto-save.
func (r *Repository) SaveTimerSnapshots(snapshots []models.TimerSnapshot) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM offline_timers"); err != nil {
		return err
	}

	now := time.Now().Unix()
	for _, snap := range snapshots {
		if _, err := tx.Exec(`
		INSERT INTO offline_timers (content_id, publish_at, is_active, error_count, last_access, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ContentID, snap.PublishAt, snap.IsActive, snap.ErrorCount, snap.LastAccess, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadTimerSnapshots restores active timer snapshots only.
func (r *Repository) LoadTimerSnapshots() ([]models.TimerSnapshot, error) {
	rows, err := r.store.Query(`
	SELECT content_id, publish_at, is_active, error_count, last_access, saved_at
	FROM offline_timers WHERE is_active = 1 ORDER BY publish_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.TimerSnapshot
	for rows.Next() {
		var snap models.TimerSnapshot
		if err := rows.Scan(&snap.ContentID, &snap.PublishAt, &snap.IsActive,
			&snap.ErrorCount, &snap.LastAccess, &snap.SavedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// =====================================================
// Audit Log Operations
// =====================================================

// AppendConflictLog records a resolved conflict.
func (r *Repository) AppendConflictLog(entry *models.ConflictLog) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	_, err := r.store.Exec(`
	INSERT INTO conflict_log (id, content_id, local_version, server_version, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ContentID, entry.LocalVersion, entry.ServerVersion,
		entry.Resolution, entry.DetectedAt, entry.ResolvedAt)
	return err
}

// ListConflictLogs returns all recorded conflict resolutions, newest first.
func (r *Repository) ListConflictLogs() ([]*models.ConflictLog, error) {
	rows, err := r.store.Query(`
	SELECT id, content_id, local_version, server_version, resolution, detected_at, resolved_at
	FROM conflict_log ORDER BY detected_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ConflictLog
	for rows.Next() {
		var e models.ConflictLog
		if err := rows.Scan(&e.ID, &e.ContentID, &e.LocalVersion, &e.ServerVersion,
			&e.Resolution, &e.DetectedAt, &e.ResolvedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AppendChangeLog records a successfully replayed mutation.
func (r *Repository) AppendChangeLog(entry *models.ChangeLog) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	_, err := r.store.Exec(`
	INSERT INTO change_log (id, content_id, action, version, timestamp)
	VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.ContentID, entry.Action, entry.Version, entry.Timestamp)
	return err
}

// ListChangeLogs returns the mutation history for one content item.
func (r *Repository) ListChangeLogs(contentID models.UUID) ([]*models.ChangeLog, error) {
	rows, err := r.store.Query(`
	SELECT id, content_id, action, version, timestamp
	FROM change_log WHERE content_id = ? ORDER BY timestamp`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ChangeLog
	for rows.Next() {
		var e models.ChangeLog
		if err := rows.Scan(&e.ID, &e.ContentID, &e.Action, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =====================================================
// Key-Value Operations
// =====================================================

// SetKV writes an engine metadata value.
func (r *Repository) SetKV(key string, value []byte) error {
	_, err := r.store.Exec(`
	INSERT INTO engine_kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// GetKV reads an engine metadata value. Returns sql.ErrNoRows when absent.
func (r *Repository) GetKV(key string) ([]byte, error) {
	var value []byte
	err := r.store.QueryRow("SELECT value FROM engine_kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteKV removes an engine metadata value.
func (r *Repository) DeleteKV(key string) error {
	_, err := r.store.Exec("DELETE FROM engine_kv WHERE key = ?", key)
	return err
}

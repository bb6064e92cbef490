// Package models provides data model definitions for the NightPress engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncAction represents a content mutation type.
type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// SyncStatus represents the status of a queued mutation.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
	SyncStatusConflict   SyncStatus = "conflict"
)

// Resolution identifies which side of a conflict survives.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionManual Resolution = "manual"
)

// SyncItem represents a pending content mutation in the durable queue.
// The queue holds at most one live entry per content ID: a newer mutation
// for the same content replaces the existing entry instead of appending.
type SyncItem struct {
	ID            UUID            `db:"id" json:"id"`
	ContentID     UUID            `db:"content_id" json:"content_id"`
	Action        SyncAction      `db:"action" json:"action"`
	Data          json.RawMessage `db:"data" json:"data"`
	Status        SyncStatus      `db:"status" json:"status"`
	Version       int             `db:"version" json:"version"`
	ServerVersion int             `db:"server_version" json:"server_version"`
	Resolution    Resolution      `db:"resolution" json:"resolution"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	// NextAttempt is in Unix milliseconds: backoff delays are shorter
	// than a second in tight retry loops and must not collapse to zero.
	NextAttempt int64  `db:"next_attempt" json:"next_attempt"`
	Priority    int    `db:"priority" json:"priority"`
	LastError   string `db:"last_error" json:"last_error"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncItem.
func (SyncItem) TableName() string {
	return "sync_queue"
}

// NextAttemptTime returns NextAttempt as time.Time.
func (s *SyncItem) NextAttemptTime() time.Time {
	return time.UnixMilli(s.NextAttempt)
}

// Ready reports whether the item is eligible for processing at now
// (Unix milliseconds): pending items always are, failed items once
// their backoff has elapsed.
func (s *SyncItem) Ready(now int64) bool {
	switch s.Status {
	case SyncStatusPending:
		return true
	case SyncStatusFailed:
		return now >= s.NextAttempt
	default:
		return false
	}
}

// Snapshot decodes the content snapshot captured at enqueue time.
func (s *SyncItem) Snapshot() (*ScheduledContent, error) {
	var content ScheduledContent
	if err := json.Unmarshal(s.Data, &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// SetSnapshot encodes a content snapshot into the item.
func (s *SyncItem) SetSnapshot(content *ScheduledContent) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	s.Data = data
	return nil
}

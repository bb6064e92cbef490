// Package models provides data model definitions for the NightPress engine.
package models

import "time"

// TimerSnapshot is the persisted form of an active countdown. Remaining
// time is never stored; it is recomputed from PublishAt on restore.
type TimerSnapshot struct {
	ContentID  UUID  `db:"content_id" json:"content_id"`
	PublishAt  int64 `db:"publish_at" json:"publish_at"`
	IsActive   bool  `db:"is_active" json:"is_active"`
	ErrorCount int   `db:"error_count" json:"error_count"`
	LastAccess int64 `db:"last_access" json:"last_access"`
	SavedAt    int64 `db:"saved_at" json:"saved_at"`
}

// TableName returns the table name for TimerSnapshot.
func (TimerSnapshot) TableName() string {
	return "offline_timers"
}

// Expired reports whether the snapshot's publish time is already more
// than grace in the past, making it eligible for compaction.
func (t *TimerSnapshot) Expired(now time.Time, grace time.Duration) bool {
	return time.Unix(t.PublishAt, 0).Add(grace).Before(now)
}

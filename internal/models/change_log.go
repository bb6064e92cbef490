// Package models provides data model definitions for the NightPress engine.
package models

import "time"

// ChangeLog tracks replayed mutations for incremental sync and audit.
type ChangeLog struct {
	ID        UUID       `db:"id" json:"id"`
	ContentID UUID       `db:"content_id" json:"content_id"`
	Action    SyncAction `db:"action" json:"action"`
	Version   int        `db:"version" json:"version"`
	Timestamp int64      `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.Unix(c.Timestamp, 0)
}

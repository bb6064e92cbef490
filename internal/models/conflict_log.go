// Package models provides data model definitions for the NightPress engine.
package models

import "time"

// ConflictLog records a resolved version conflict for audit.
type ConflictLog struct {
	ID            UUID       `db:"id" json:"id"`
	ContentID     UUID       `db:"content_id" json:"content_id"`
	LocalVersion  int        `db:"local_version" json:"local_version"`
	ServerVersion int        `db:"server_version" json:"server_version"`
	Resolution    Resolution `db:"resolution" json:"resolution"`
	DetectedAt    int64      `db:"detected_at" json:"detected_at"`
	ResolvedAt    int64      `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

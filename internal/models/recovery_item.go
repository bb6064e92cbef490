// Package models provides data model definitions for the NightPress engine.
package models

import (
	"encoding/json"
	"time"
)

// RecoveryItem is a mutation that exhausted its retries and was parked
// for manual intervention. It is a copy of the failed SyncItem together
// with the final error; the recovery queue lives in its own table so
// compaction never prunes it.
type RecoveryItem struct {
	ID         UUID            `db:"id" json:"id"`
	ContentID  UUID            `db:"content_id" json:"content_id"`
	Action     SyncAction      `db:"action" json:"action"`
	Data       json.RawMessage `db:"data" json:"data"`
	SyncError  string          `db:"sync_error" json:"sync_error"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	ParkedAt   int64           `db:"parked_at" json:"parked_at"`
}

// TableName returns the table name for RecoveryItem.
func (RecoveryItem) TableName() string {
	return "recovery_queue"
}

// ParkedAtTime returns ParkedAt as time.Time.
func (r *RecoveryItem) ParkedAtTime() time.Time {
	return time.Unix(r.ParkedAt, 0)
}

// Package models provides data model definitions for the NightPress engine.
package models

import "time"

// ErrorRecord captures a component failure for the bounded error log.
// Records are appended by the component that detected the failure and
// consumed by registered handlers; they are never silently dropped.
type ErrorRecord struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	ContentID        UUID   `json:"content_id,omitempty"`
	RetryCount       int    `json:"retry_count"`
	RecoveryAttempts int    `json:"recovery_attempts"`
	At               int64  `json:"at"`
}

// AtTime returns At as time.Time.
func (e *ErrorRecord) AtTime() time.Time {
	return time.Unix(e.At, 0)
}

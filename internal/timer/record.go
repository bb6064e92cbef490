// Package timer provides the countdown orchestrator for scheduled
// content. It runs as an isolated background goroutine owning all timer
// state; the main context talks to it exclusively through the message
// protocol in protocol.go.
package timer

import (
	"time"

	"github.com/nightpress/nightpress/internal/models"
)

// Priority is the derived ranking used for processing and eviction order.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Priority thresholds.
const (
	highThreshold   = 60 * time.Second
	mediumThreshold = 5 * time.Minute
)

// ComputePriority derives a timer's priority from its remaining time and
// error count. A timer with any errors is always HIGH so recovery work is
// done first.
func ComputePriority(remaining time.Duration, errorCount int) Priority {
	if errorCount > 0 || remaining < highThreshold {
		return PriorityHigh
	}
	if remaining < mediumThreshold {
		return PriorityMedium
	}
	return PriorityLow
}

// Record is one active countdown. RemainingTime is always derived from
// the wall clock against PublishAt, never carried forward between ticks.
type Record struct {
	ContentID        models.UUID
	PublishAt        time.Time
	IsActive         bool
	Priority         Priority
	ErrorCount       int
	RecoveryAttempts int
	LastAccess       time.Time
}

// Remaining computes the time left until publish. Negative means the
// publish time has passed.
func (r *Record) Remaining(now time.Time) time.Duration {
	return r.PublishAt.Sub(now)
}

// Snapshot converts the record to its persisted form.
func (r *Record) Snapshot() models.TimerSnapshot {
	return models.TimerSnapshot{
		ContentID:  r.ContentID,
		PublishAt:  r.PublishAt.Unix(),
		IsActive:   r.IsActive,
		ErrorCount: r.ErrorCount,
		LastAccess: r.LastAccess.Unix(),
	}
}

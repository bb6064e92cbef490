package store

import (
	"time"

	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/models"
)

// CompactionResult summarizes one compaction pass.
type CompactionResult struct {
	DroppedCompleted int
	DroppedContent   int
	DroppedTimers    int
	UsageBefore      int64
	UsageAfter       int64
}

// Compact enforces the storage budget. When usage crosses the threshold
// fraction of the budget it drops, in order: completed queue rows, content
// in a terminal state older than contentMaxAge, then timer snapshots whose
// publish time passed more than timerGrace ago. Pending and conflict rows
// are never dropped, and the recovery queue is never touched.
func (r *Repository) Compact(budget int64, threshold float64, contentMaxAge, timerGrace time.Duration) (*CompactionResult, error) {
	usage, err := r.store.Usage()
	if err != nil {
		return nil, err
	}

	result := &CompactionResult{UsageBefore: usage, UsageAfter: usage}
	limit := int64(float64(budget) * threshold)
	if usage < limit {
		return result, nil
	}

	logging.Warn("Storage budget threshold crossed, compacting",
		map[string]interface{}{"usage": usage, "budget": budget})

	now := time.Now()

	// Step 1: completed queue rows
	res, err := r.store.Exec("DELETE FROM sync_queue WHERE status = ?", models.SyncStatusCompleted)
	if err != nil {
		return result, err
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DroppedCompleted = int(n)
	}

	if done, err := r.recheck(result, limit); err != nil || done {
		return result, err
	}

	// Step 2: terminal content older than the retention window
	cutoff := now.Add(-contentMaxAge).Unix()
	res, err = r.store.Exec(`
	DELETE FROM offline_content
	WHERE last_modified < ? AND status IN (?, ?, ?)`,
		cutoff, models.ContentStatusPublished, models.ContentStatusCancelled, models.ContentStatusFailed)
	if err != nil {
		return result, err
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DroppedContent = int(n)
	}

	if done, err := r.recheck(result, limit); err != nil || done {
		return result, err
	}

	// Step 3: expired timer snapshots
	res, err = r.store.Exec("DELETE FROM offline_timers WHERE publish_at + ? < ?",
		int64(timerGrace.Seconds()), now.Unix())
	if err != nil {
		return result, err
	}
	if n, err := res.RowsAffected(); err == nil {
		result.DroppedTimers = int(n)
	}

	_, err = r.recheck(result, limit)
	return result, err
}

// recheck vacuums and re-measures usage, reporting whether the store is
// back under the limit.
func (r *Repository) recheck(result *CompactionResult, limit int64) (bool, error) {
	if err := r.store.Vacuum(); err != nil {
		return false, err
	}
	usage, err := r.store.Usage()
	if err != nil {
		return false, err
	}
	result.UsageAfter = usage
	return usage < limit, nil
}

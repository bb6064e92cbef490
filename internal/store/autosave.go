package store

import (
	"context"
	"sync"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/models"
)

// SnapshotSource supplies the current timer snapshots for the periodic
// auto-save.
type SnapshotSource func() []models.TimerSnapshot

// AutoSaver periodically persists timer snapshots and runs budget
// compaction. A failed save degrades that cycle to in-memory state and
// warns; it never stops the loop.
type AutoSaver struct {
	repo   *Repository
	cfg    config.StoreConfig
	source SnapshotSource

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	lastSave time.Time
}

// NewAutoSaver creates an AutoSaver.
func NewAutoSaver(repo *Repository, cfg config.StoreConfig, source SnapshotSource) *AutoSaver {
	return &AutoSaver{
		repo:   repo,
		cfg:    cfg,
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start launches the auto-save loop.
func (a *AutoSaver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(ctx)
}

// Stop stops the loop after finishing any in-flight save.
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
}

func (a *AutoSaver) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.SaveNow()
		}
	}
}

// SaveNow performs one save + compaction cycle immediately.
func (a *AutoSaver) SaveNow() {
	if a.source != nil {
		snapshots := a.source()
		if err := a.repo.SaveTimerSnapshots(snapshots); err != nil {
			logging.ErrorWithCode("Auto-save failed, state kept in memory this cycle",
				string(errors.ErrStorage), err, nil)
			return
		}
	}

	result, err := a.repo.Compact(a.cfg.Budget, a.cfg.BudgetThreshold, a.cfg.ContentMaxAge, timerSnapshotGrace)
	if err != nil {
		logging.ErrorWithCode("Compaction failed", string(errors.ErrStorage), err, nil)
		return
	}

	a.mu.Lock()
	a.lastSave = time.Now()
	a.mu.Unlock()

	if result.DroppedCompleted+result.DroppedContent+result.DroppedTimers > 0 {
		logging.Info("Compaction dropped rows",
			map[string]interface{}{
				"completed": result.DroppedCompleted,
				"content":   result.DroppedContent,
				"timers":    result.DroppedTimers,
				"usage":     result.UsageAfter,
			})
	}
}

// LastSave returns the time of the last successful save.
func (a *AutoSaver) LastSave() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSave
}

// timerSnapshotGrace is how long after its publish time a persisted timer
// snapshot is still considered restorable rather than expired.
const timerSnapshotGrace = time.Hour

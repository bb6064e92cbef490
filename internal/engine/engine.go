// Package engine wires the persistence layer, timer runner, tab
// coordinator and synchronizer into the public scheduling API. All
// cross-component event routing happens here; the components themselves
// never reference each other.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/coordinator"
	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/models"
	"github.com/nightpress/nightpress/internal/store"
	syncer "github.com/nightpress/nightpress/internal/sync"
	"github.com/nightpress/nightpress/internal/sync/conflict"
	"github.com/nightpress/nightpress/internal/timer"
	"github.com/nightpress/nightpress/internal/uuid"
)

// maxErrorRecords bounds the in-memory error log.
const maxErrorRecords = 100

// restoreGrace is how far past its publish time a persisted timer may be
// and still fire on restore rather than being discarded.
const restoreGrace = time.Hour

// Engine is the offline-first scheduling engine. One Engine runs per
// instance; leader election decides which instance's synchronizer talks
// to the network.
type Engine struct {
	cfg config.Config

	st    *store.Store
	repo  *store.Repository
	orch  *timer.Orchestrator
	coord *coordinator.Coordinator
	sync  *syncer.Synchronizer
	saver *store.AutoSaver

	mu       stdsync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       stdsync.WaitGroup
	errLog   []models.ErrorRecord
	timerFns []func(timer.Event)
	syncFns  []func(syncer.Event)
	errorFns []func(models.ErrorRecord)
}

// New assembles an Engine on top of an opened store, a remote client
// and a broadcast transport for leader election.
func New(cfg config.Config, st *store.Store, remote syncer.RemoteClient, transport coordinator.BroadcastTransport) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid configuration", err)
	}

	repo := store.NewRepository(st)
	orch := timer.New(cfg.Timer, cfg.Timer.MaxTimers)
	sy := syncer.NewSynchronizer(repo, remote, conflict.NewResolver(), cfg.Sync)

	e := &Engine{
		cfg:  cfg,
		st:   st,
		repo: repo,
		orch: orch,
		sync: sy,
	}

	e.coord = coordinator.New(transport, cfg.Coordinator, e.coordinatorState)
	e.saver = store.NewAutoSaver(repo, cfg.Store, orch.Snapshots)

	e.coord.OnLeadershipChange(func(isLeader bool) {
		sy.SetLeader(isLeader)
		if isLeader {
			go sy.Drain(context.Background())
		}
	})

	sy.OnEvent(e.handleSyncEvent)
	return e, nil
}

// Start restores persisted state and launches all background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New(errors.ErrInternal, "engine already started")
	}
	e.running = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.orch.Start()

	if err := e.restoreTimers(); err != nil {
		logging.ErrorWithCode("Timer restore incomplete", string(errors.ErrTimer), err, nil)
	}
	if err := e.restoreQueue(); err != nil {
		logging.ErrorWithCode("Queue restore failed", string(errors.ErrStorage), err, nil)
	}

	e.wg.Add(2)
	go e.bridgeTimerEvents(runCtx)
	go e.drainLoop(runCtx)

	e.saver.Start(runCtx)
	e.coord.Start()

	logging.Info("Engine started",
		map[string]interface{}{"instance_id": e.coord.InstanceID(), "data_dir": e.cfg.DataDir})
	return nil
}

// Stop shuts down background loops, snapshots timers and closes the
// store. Safe to call once after Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.coord.Stop()
	e.saver.Stop()

	if err := e.repo.SaveTimerSnapshots(e.orch.Snapshots()); err != nil {
		logging.ErrorWithCode("Final snapshot save failed", string(errors.ErrStorage), err, nil)
	}

	e.orch.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if err := e.st.Close(); err != nil {
		logging.Warn("Store close failed", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("Engine stopped", nil)
}

// restoreTimers rebuilds countdowns from persisted snapshots. Snapshots
// more than restoreGrace past their publish time are dropped: firing a
// very stale publish on restart is worse than surfacing it as missed.
func (e *Engine) restoreTimers() error {
	snaps, err := e.repo.LoadTimerSnapshots()
	if err != nil {
		return err
	}
	now := time.Now()
	live := snaps[:0]
	for _, snap := range snaps {
		if snap.Expired(now, restoreGrace) {
			logging.Warn("Dropping stale timer snapshot",
				map[string]interface{}{"content_id": snap.ContentID})
			continue
		}
		live = append(live, snap)
	}
	if len(live) == 0 {
		return nil
	}
	logging.Info("Restoring timers", map[string]interface{}{"count": len(live)})
	return e.orch.Restore(live)
}

// restoreQueue reanimates unfinished queue work after a restart: items
// that died mid-processing go back to pending.
func (e *Engine) restoreQueue() error {
	items, err := e.repo.LoadActiveQueue()
	if err != nil {
		return err
	}
	if len(items) > 0 {
		logging.Info("Restored sync queue", map[string]interface{}{"items": len(items)})
	}
	return nil
}

// Schedule persists new content, arms its publish countdown and
// enqueues its creation for replay.
func (e *Engine) Schedule(contentType models.ContentType, body, authorID string, publishAt time.Time) (*models.ScheduledContent, error) {
	if body == "" {
		return nil, errors.New(errors.ErrValidation, "content body is required")
	}
	if publishAt.Before(time.Now()) {
		return nil, errors.New(errors.ErrValidation, "publish time is in the past")
	}

	now := time.Now().Unix()
	content := &models.ScheduledContent{
		ID:           models.UUID(uuid.New()),
		Type:         contentType,
		Content:      body,
		PublishAt:    publishAt.Unix(),
		Status:       models.ContentStatusScheduled,
		AuthorID:     authorID,
		Version:      1,
		LastModified: now,
	}

	if err := e.repo.UpsertContent(content); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to persist content", err)
	}

	if err := e.orch.StartTimer(content.ID, publishAt); err != nil {
		// The content survives without a timer; the caller sees the
		// capacity error and can retry after cleanup.
		if derr := e.repo.DeleteContent(content.ID); derr != nil {
			logging.Warn("Failed to roll back content after timer refusal",
				map[string]interface{}{"content_id": content.ID, "error": derr.Error()})
		}
		return nil, err
	}

	if _, err := e.sync.Enqueue(content, models.SyncActionCreate); err != nil {
		return nil, err
	}
	e.kickDrain()

	logging.Info("Content scheduled",
		map[string]interface{}{"content_id": content.ID, "publish_at": content.PublishAt})
	return content, nil
}

// Update applies an edit to scheduled content, rescheduling its timer
// when the publish time moved and enqueueing the change for replay.
func (e *Engine) Update(id models.UUID, body string, publishAt time.Time) (*models.ScheduledContent, error) {
	content, err := e.getContent(id)
	if err != nil {
		return nil, err
	}
	if content.Status != models.ContentStatusScheduled {
		return nil, errors.New(errors.ErrInvalid,
			fmt.Sprintf("content in status %q cannot be edited", content.Status))
	}

	rescheduled := publishAt.Unix() != content.PublishAt
	content.Content = body
	content.PublishAt = publishAt.Unix()
	content.Touch()

	if err := e.repo.UpsertContent(content); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to persist content", err)
	}
	if rescheduled {
		if err := e.orch.ResumeTimer(id, publishAt); err != nil {
			return nil, err
		}
	}
	if _, err := e.sync.Enqueue(content, models.SyncActionUpdate); err != nil {
		return nil, err
	}
	e.kickDrain()
	return content, nil
}

// Cancel stops a pending publish: the timer is paused, the content is
// marked cancelled and the cancellation is replayed to the server.
func (e *Engine) Cancel(id models.UUID) error {
	content, err := e.getContent(id)
	if err != nil {
		return err
	}
	if content.Status != models.ContentStatusScheduled {
		return errors.New(errors.ErrInvalid,
			fmt.Sprintf("content in status %q cannot be cancelled", content.Status))
	}

	if err := e.orch.RemoveTimer(id); err != nil && !errors.Is(err, errors.ErrTimerNotFound) {
		return err
	}

	content.Status = models.ContentStatusCancelled
	content.Touch()
	if err := e.repo.UpsertContent(content); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist cancellation", err)
	}
	if _, err := e.sync.Enqueue(content, models.SyncActionUpdate); err != nil {
		return err
	}
	e.kickDrain()
	return nil
}

// Delete removes content entirely. A pending never-synced create is
// cancelled locally; otherwise a delete mutation is replayed.
func (e *Engine) Delete(id models.UUID) error {
	content, err := e.getContent(id)
	if err != nil {
		return err
	}

	if err := e.orch.RemoveTimer(id); err != nil && !errors.Is(err, errors.ErrTimerNotFound) {
		return err
	}
	if _, err := e.sync.Enqueue(content, models.SyncActionDelete); err != nil {
		return err
	}
	if err := e.repo.DeleteContent(id); err != nil {
		return err
	}
	e.kickDrain()
	return nil
}

// Get returns one content item.
func (e *Engine) Get(id models.UUID) (*models.ScheduledContent, error) {
	return e.getContent(id)
}

// List returns all locally known content.
func (e *Engine) List() ([]*models.ScheduledContent, error) {
	return e.repo.ListContent()
}

// SetOnline flips the engine's connectivity state. Regaining
// connectivity triggers a queue drain on the leader.
func (e *Engine) SetOnline(online bool) {
	e.sync.SetOnline(context.Background(), online)
}

// Drain forces a replay pass, subject to leadership and connectivity.
func (e *Engine) Drain(ctx context.Context) {
	e.sync.Drain(ctx)
}

// IsLeader reports whether this instance currently replays the queue.
func (e *Engine) IsLeader() bool {
	return e.coord.IsLeader()
}

// InstanceID returns this instance's election identity.
func (e *Engine) InstanceID() string {
	return e.coord.InstanceID()
}

// TimerStats returns runner statistics.
func (e *Engine) TimerStats() (*timer.Stats, error) {
	return e.orch.Stats()
}

// SyncProgress returns the aggregate drain counters.
func (e *Engine) SyncProgress() syncer.Progress {
	return e.sync.Progress()
}

// SyncErrors returns every queued item needing attention.
func (e *Engine) SyncErrors() (*syncer.ErrorDetails, error) {
	return e.sync.ErrorDetails()
}

// ResolveConflictLocal keeps the local version of a parked conflict.
func (e *Engine) ResolveConflictLocal(ctx context.Context, id models.UUID) error {
	return e.sync.ResolveConflictLocal(ctx, id)
}

// ResolveConflictServer adopts the server version of a parked conflict.
func (e *Engine) ResolveConflictServer(ctx context.Context, id models.UUID) error {
	return e.sync.ResolveConflictServer(ctx, id)
}

// ResolveConflictManual applies a caller-merged version of a parked
// conflict.
func (e *Engine) ResolveConflictManual(ctx context.Context, id models.UUID, merged *models.ScheduledContent) error {
	return e.sync.ResolveConflictManual(ctx, id, merged)
}

// AttemptRecovery re-enqueues a parked recovery entry.
func (e *Engine) AttemptRecovery(ctx context.Context, id models.UUID) error {
	return e.sync.AttemptRecovery(ctx, id)
}

// Compact prunes old rows to bring the store back under budget.
func (e *Engine) Compact() (*store.CompactionResult, error) {
	return e.repo.Compact(e.cfg.Store.Budget, e.cfg.Store.BudgetThreshold,
		e.cfg.Store.ContentMaxAge, restoreGrace)
}

// Errors returns a copy of the bounded error log, newest last.
func (e *Engine) Errors() []models.ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ErrorRecord, len(e.errLog))
	copy(out, e.errLog)
	return out
}

// OnTimerEvent registers an observer for timer runner events.
func (e *Engine) OnTimerEvent(fn func(timer.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timerFns = append(e.timerFns, fn)
}

// OnSyncEvent registers an observer for synchronizer events.
func (e *Engine) OnSyncEvent(fn func(syncer.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncFns = append(e.syncFns, fn)
}

// OnError registers an observer for appended error records.
func (e *Engine) OnError(fn func(models.ErrorRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorFns = append(e.errorFns, fn)
}

func (e *Engine) getContent(id models.UUID) (*models.ScheduledContent, error) {
	content, err := e.repo.GetContent(id)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "content not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read content", err)
	}
	return content, nil
}

// drainLoop is the periodic replay trigger: it picks up backoff retries
// and any queued work that missed an event-driven drain.
func (e *Engine) drainLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Sync.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.coord.IsLeader() {
				e.sync.Drain(ctx)
			}
		}
	}
}

// kickDrain starts an immediate replay after a local mutation, subject
// to the synchronizer's own leadership and connectivity gating.
func (e *Engine) kickDrain() {
	if e.coord.IsLeader() {
		go e.sync.Drain(context.Background())
	}
}

// bridgeTimerEvents consumes the runner's event channel and applies the
// domain transitions: a completed countdown flips the content to
// publishing and enqueues the publish mutation.
func (e *Engine) bridgeTimerEvents(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.orch.Events():
			if !ok {
				return
			}
			e.handleTimerEvent(ev)
		}
	}
}

func (e *Engine) handleTimerEvent(ev timer.Event) {
	switch ev.Type {
	case timer.EventTimerComplete:
		e.onPublishDue(ev.ContentID)

	case timer.EventError:
		e.appendError(models.ErrorRecord{
			Code:             ev.Code,
			Message:          ev.Message,
			ContentID:        ev.ContentID,
			RetryCount:       ev.RetryCount,
			RecoveryAttempts: ev.Recoveries,
			At:               time.Now().Unix(),
		})
		if ev.Code == string(errors.ErrTimer) && ev.ContentID != "" {
			e.markFailed(ev.ContentID)
		}
	}

	e.mu.Lock()
	fns := append([]func(timer.Event){}, e.timerFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// onPublishDue runs when a countdown fires: the content transitions to
// publishing locally and the publish is enqueued for replay. The
// published state is only entered once the server acknowledges.
func (e *Engine) onPublishDue(id models.UUID) {
	content, err := e.getContent(id)
	if err != nil {
		logging.ErrorWithCode("Completed timer has no content", string(errors.ErrTimer), err,
			map[string]interface{}{"content_id": id})
		return
	}
	if content.Status != models.ContentStatusScheduled {
		return
	}

	content.Status = models.ContentStatusPublishing
	content.Touch()
	if err := e.repo.UpsertContent(content); err != nil {
		logging.ErrorWithCode("Failed to persist publishing transition", string(errors.ErrStorage), err,
			map[string]interface{}{"content_id": id})
		return
	}
	if _, err := e.sync.Enqueue(content, models.SyncActionUpdate); err != nil {
		logging.ErrorWithCode("Failed to enqueue publish", string(errors.ErrSync), err,
			map[string]interface{}{"content_id": id})
		return
	}

	if e.coord.IsLeader() {
		go e.sync.Drain(context.Background())
	}
}

// handleSyncEvent completes the publish handshake: once the server
// acknowledges a publishing item's replay, the content is published.
func (e *Engine) handleSyncEvent(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventItemCompleted:
		if ev.Action != models.SyncActionDelete {
			e.confirmPublish(ev.ContentID)
		}
	case syncer.EventItemFailed, syncer.EventItemParked:
		rec := models.ErrorRecord{
			Code:      string(errors.ErrSync),
			ContentID: ev.ContentID,
			At:        time.Now().Unix(),
		}
		if ev.Err != nil {
			rec.Message = ev.Err.Error()
		}
		if ev.Type == syncer.EventItemParked {
			rec.Code = string(errors.ErrSyncMaxRetries)
		}
		e.appendError(rec)
	}

	e.mu.Lock()
	fns := append([]func(syncer.Event){}, e.syncFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) confirmPublish(id models.UUID) {
	content, err := e.getContent(id)
	if err != nil {
		return
	}
	if content.Status != models.ContentStatusPublishing {
		return
	}
	content.Status = models.ContentStatusPublished
	content.LastModified = time.Now().Unix()
	if err := e.repo.UpsertContent(content); err != nil {
		logging.ErrorWithCode("Failed to persist published transition", string(errors.ErrStorage), err,
			map[string]interface{}{"content_id": id})
		return
	}
	logging.Info("Content published", map[string]interface{}{"content_id": id})
}

// markFailed records a terminal timer failure on the content itself.
func (e *Engine) markFailed(id models.UUID) {
	content, err := e.getContent(id)
	if err != nil {
		return
	}
	if content.Status != models.ContentStatusScheduled {
		return
	}
	content.Status = models.ContentStatusFailed
	content.LastModified = time.Now().Unix()
	if err := e.repo.UpsertContent(content); err != nil {
		logging.ErrorWithCode("Failed to persist failed transition", string(errors.ErrStorage), err,
			map[string]interface{}{"content_id": id})
	}
}

func (e *Engine) appendError(rec models.ErrorRecord) {
	e.mu.Lock()
	e.errLog = append(e.errLog, rec)
	if len(e.errLog) > maxErrorRecords {
		e.errLog = e.errLog[len(e.errLog)-maxErrorRecords:]
	}
	fns := append([]func(models.ErrorRecord){}, e.errorFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// coordinatorState is attached to leader heartbeats so followers can
// mirror coarse engine state.
func (e *Engine) coordinatorState() map[string]string {
	states := map[string]string{}
	if stats, err := e.orch.Stats(); err == nil {
		states["active_timers"] = strconv.Itoa(stats.ActiveTimers)
	}
	p := e.sync.Progress()
	states["sync_processed"] = strconv.Itoa(p.Processed)
	states["sync_failed"] = strconv.Itoa(p.Failed)
	return states
}

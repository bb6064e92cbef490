package sync

import (
	"context"
	"database/sql"
	"fmt"
	gosync "sync"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/metrics"
	"github.com/nightpress/nightpress/internal/models"
	"github.com/nightpress/nightpress/internal/store"
	"github.com/nightpress/nightpress/internal/sync/conflict"
	"github.com/nightpress/nightpress/internal/uuid"
)

// Progress is the aggregate drain state observable by the UI layer.
type Progress struct {
	Total     int
	Processed int
	Failed    int
}

// EventType identifies a synchronizer notification.
type EventType string

const (
	EventItemCompleted EventType = "itemCompleted"
	EventItemFailed    EventType = "itemFailed"
	EventItemConflict  EventType = "itemConflict"
	EventItemParked    EventType = "itemParked"
	EventItemResolved  EventType = "itemResolved"
	EventDrainFinished EventType = "drainFinished"
)

// Event is one synchronizer notification.
type Event struct {
	Type      EventType
	ContentID models.UUID
	ItemID    models.UUID
	Action    models.SyncAction
	Version   int
	Err       error
}

// Synchronizer owns the durable mutation queue: it is the sole writer of
// queue item status. Replay only runs while this instance is leader and
// online; conflict detection before every push makes duplicate replay
// under a dual-leader race idempotent.
type Synchronizer struct {
	repo     *store.Repository
	remote   RemoteClient
	resolver *conflict.Resolver
	cfg      config.SyncConfig

	mu         gosync.Mutex
	online     bool
	leader     bool
	draining   bool
	progress   Progress
	progressFn func(Progress)
	eventFn    func(Event)
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(repo *store.Repository, remote RemoteClient, resolver *conflict.Resolver, cfg config.SyncConfig) *Synchronizer {
	return &Synchronizer{
		repo:     repo,
		remote:   remote,
		resolver: resolver,
		cfg:      cfg,
		online:   true,
	}
}

// OnProgress registers the progress observer. Must be set before Drain.
func (s *Synchronizer) OnProgress(fn func(Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressFn = fn
}

// OnEvent registers the event observer. Must be set before Drain.
func (s *Synchronizer) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventFn = fn
}

// SetLeader gates draining: only the leader replays against the network.
func (s *Synchronizer) SetLeader(leader bool) {
	s.mu.Lock()
	s.leader = leader
	s.mu.Unlock()
}

// SetOnline flips connectivity. Regaining connectivity triggers a drain.
func (s *Synchronizer) SetOnline(ctx context.Context, online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	if online && !wasOnline {
		logging.Info("Connectivity regained, draining queue", nil)
		go s.Drain(ctx)
	}
}

// Online reports current connectivity.
func (s *Synchronizer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Progress returns the aggregate counters of the current or last drain.
func (s *Synchronizer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Enqueue upserts a mutation for content into the durable queue. The
// queue keeps at most one live entry per content ID: a newer mutation
// merges with the existing entry. Persistence is synchronous; once
// Enqueue returns the item survives a crash.
func (s *Synchronizer) Enqueue(content *models.ScheduledContent, action models.SyncAction) (*models.SyncItem, error) {
	if content == nil || content.ID == "" {
		return nil, errors.New(errors.ErrValidation, "content with an ID is required")
	}

	now := time.Now().Unix()
	item := &models.SyncItem{
		ContentID:  content.ID,
		Action:     action,
		Status:     models.SyncStatusPending,
		Version:    content.Version,
		MaxRetries: s.cfg.MaxRetries,
		// More recently modified content drains first.
		Priority:  int(content.LastModified),
		CreatedAt: now,
		UpdatedAt: now,
	}

	switch action {
	case models.SyncActionCreate, models.SyncActionUpdate:
		item.ID = content.ID
	case models.SyncActionDelete:
		item.ID = models.UUID(uuid.New())
	default:
		return nil, errors.New(errors.ErrValidation, fmt.Sprintf("unknown action %q", action))
	}

	if err := item.SetSnapshot(content); err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to snapshot content", err)
	}

	existing, err := s.repo.GetQueueItemByContent(content.ID)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read queue", err)
	}

	if existing != nil {
		item.CreatedAt = existing.CreatedAt

		// A delete of never-synced local content cancels the pending
		// create outright; nothing needs to reach the server.
		if action == models.SyncActionDelete && existing.Action == models.SyncActionCreate {
			if err := s.repo.DeleteQueueItem(existing.ID); err != nil {
				return nil, errors.Wrap(errors.ErrStorage, "failed to cancel pending create", err)
			}
			return nil, nil
		}

		// An update folded onto a pending create still has to be
		// created on the server.
		if action == models.SyncActionUpdate && existing.Action == models.SyncActionCreate {
			item.Action = models.SyncActionCreate
		}
	}

	if err := s.repo.UpsertQueueItem(item); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to persist queue item", err)
	}

	s.recordQueueMetrics()
	logging.Debug("Enqueued mutation",
		map[string]interface{}{"content_id": content.ID, "action": item.Action})
	return item, nil
}

// Drain replays ready queue items against the server: pending items and
// failed items whose backoff elapsed, highest priority first, in batches
// processed concurrently. Only one drain runs at a time.
func (s *Synchronizer) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining || !s.online || !s.leader {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
		metrics.RecordDrainDuration(time.Since(start))
		s.emit(Event{Type: EventDrainFinished})
	}()

	items, err := s.repo.ListQueue()
	if err != nil {
		logging.ErrorWithCode("Failed to load queue for drain", string(errors.ErrStorage), err, nil)
		return
	}

	now := time.Now().UnixMilli()
	var ready []*models.SyncItem
	for _, item := range items {
		if item.Ready(now) {
			ready = append(ready, item)
		}
	}

	if len(ready) == 0 {
		return
	}

	s.mu.Lock()
	s.progress = Progress{Total: len(ready)}
	s.mu.Unlock()
	s.reportProgress()

	logging.Info("Draining sync queue",
		map[string]interface{}{"ready": len(ready), "batch_size": s.cfg.BatchSize})

	for i := 0; i < len(ready); i += s.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return
		default:
		}

		end := i + s.cfg.BatchSize
		if end > len(ready) {
			end = len(ready)
		}

		var wg gosync.WaitGroup
		for _, item := range ready[i:end] {
			wg.Add(1)
			go func(item *models.SyncItem) {
				defer wg.Done()
				s.processItem(ctx, item)
			}(item)
		}
		wg.Wait()
	}

	s.recordQueueMetrics()
}

// processItem replays one mutation. Conflict detection precedes every
// push attempt.
func (s *Synchronizer) processItem(ctx context.Context, item *models.SyncItem) {
	item.Status = models.SyncStatusProcessing
	item.UpdatedAt = time.Now().Unix()
	if err := s.repo.UpsertQueueItem(item); err != nil {
		logging.ErrorWithCode("Failed to persist processing status, continuing in memory",
			string(errors.ErrStorage), err, map[string]interface{}{"item_id": item.ID})
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	local, err := item.Snapshot()
	if err != nil {
		s.fail(item, errors.Wrap(errors.ErrInternal, "corrupt queue snapshot", err))
		return
	}

	remote, err := s.remote.FetchContent(reqCtx, item.ContentID)
	switch {
	case err == ErrNotFound:
		if item.Action == models.SyncActionDelete {
			// Nothing left to delete; converged.
			s.complete(item, local, item.Version)
			return
		}
		// Server never saw this content: push as a create.
		item.Action = models.SyncActionCreate
	case err != nil:
		s.fail(item, err)
		return
	default:
		if c, found := conflict.Detect(local, remote.Content, item.Version, remote.Version); found {
			s.park(item, c.ServerVersion)
			return
		}
	}

	res, err := s.remote.PushMutation(reqCtx, item)
	if err != nil {
		if ce, ok := AsConflict(err); ok {
			s.park(item, ce.ServerVersion)
			return
		}
		s.fail(item, err)
		return
	}

	s.complete(item, local, res.Version)
}

// complete removes a replayed item and reconciles local content state.
func (s *Synchronizer) complete(item *models.SyncItem, local *models.ScheduledContent, serverVersion int) {
	if item.Action == models.SyncActionDelete {
		if err := s.repo.DeleteContent(item.ContentID); err != nil {
			logging.ErrorWithCode("Failed to delete local content", string(errors.ErrStorage), err,
				map[string]interface{}{"content_id": item.ContentID})
		}
	} else if local != nil {
		if serverVersion > local.Version {
			local.Version = serverVersion
		}
		// A concurrent local edit that moved the version further wins
		// over the replayed snapshot.
		if err := s.repo.ReconcileContent(local); err != nil {
			logging.ErrorWithCode("Failed to reconcile local content", string(errors.ErrStorage), err,
				map[string]interface{}{"content_id": item.ContentID})
		}
	}

	if err := s.repo.AppendChangeLog(&models.ChangeLog{
		ContentID: item.ContentID,
		Action:    item.Action,
		Version:   serverVersion,
	}); err != nil {
		logging.Warn("Failed to append change log",
			map[string]interface{}{"content_id": item.ContentID, "error": err.Error()})
	}

	if err := s.repo.DeleteQueueItemUpTo(item.ID, item.Version); err != nil {
		logging.ErrorWithCode("Failed to remove completed queue item", string(errors.ErrStorage), err,
			map[string]interface{}{"item_id": item.ID})
	}

	s.mu.Lock()
	s.progress.Processed++
	s.mu.Unlock()
	s.reportProgress()

	metrics.RecordReplay(string(item.Action), "success")
	s.emit(Event{
		Type:      EventItemCompleted,
		ContentID: item.ContentID,
		ItemID:    item.ID,
		Action:    item.Action,
		Version:   serverVersion,
	})
}

// backoff returns the delay before the next replay attempt: base
// doubled per retry, capped at the configured maximum.
func (s *Synchronizer) backoff(retryCount int) time.Duration {
	delay := s.cfg.BaseDelay * (1 << uint(retryCount))
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay
}

// fail applies exponential backoff and parks the item in the recovery
// queue once retries are exhausted. The item stays visible either way.
func (s *Synchronizer) fail(item *models.SyncItem, cause error) {
	now := time.Now()
	item.RetryCount++
	item.Status = models.SyncStatusFailed
	item.LastError = cause.Error()
	item.UpdatedAt = now.Unix()

	item.NextAttempt = now.Add(s.backoff(item.RetryCount)).UnixMilli()

	if err := s.repo.UpsertQueueItem(item); err != nil {
		logging.ErrorWithCode("Failed to persist failed item", string(errors.ErrStorage), err,
			map[string]interface{}{"item_id": item.ID})
	}

	s.mu.Lock()
	s.progress.Failed++
	s.mu.Unlock()
	s.reportProgress()

	metrics.RecordReplay(string(item.Action), "failed")
	logging.ErrorWithCode("Replay failed", string(errors.ErrSync), cause,
		map[string]interface{}{
			"item_id":      item.ID,
			"retry_count":  item.RetryCount,
			"next_attempt": item.NextAttempt,
		})

	s.emit(Event{
		Type:      EventItemFailed,
		ContentID: item.ContentID,
		ItemID:    item.ID,
		Action:    item.Action,
		Err:       cause,
	})

	if item.RetryCount >= item.MaxRetries {
		if err := s.repo.ParkRecoveryItem(item, cause.Error()); err != nil {
			logging.ErrorWithCode("Failed to park item in recovery queue", string(errors.ErrStorage), err,
				map[string]interface{}{"item_id": item.ID})
			return
		}
		logging.Warn("Item parked for manual recovery",
			map[string]interface{}{"item_id": item.ID, "retry_count": item.RetryCount})
		s.emit(Event{
			Type:      EventItemParked,
			ContentID: item.ContentID,
			ItemID:    item.ID,
			Action:    item.Action,
			Err:       cause,
		})
	}
}

// park transitions an item to conflict status. It stays parked until a
// resolution method is called; conflicts are never auto-resolved.
func (s *Synchronizer) park(item *models.SyncItem, serverVersion int) {
	item.Status = models.SyncStatusConflict
	item.ServerVersion = serverVersion
	item.UpdatedAt = time.Now().Unix()

	if err := s.repo.UpsertQueueItem(item); err != nil {
		logging.ErrorWithCode("Failed to persist conflict status", string(errors.ErrStorage), err,
			map[string]interface{}{"item_id": item.ID})
	}

	metrics.RecordConflict()
	metrics.RecordReplay(string(item.Action), "conflict")
	s.emit(Event{
		Type:      EventItemConflict,
		ContentID: item.ContentID,
		ItemID:    item.ID,
		Action:    item.Action,
		Version:   serverVersion,
	})
}

func (s *Synchronizer) reportProgress() {
	s.mu.Lock()
	fn := s.progressFn
	p := s.progress
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (s *Synchronizer) emit(ev Event) {
	s.mu.Lock()
	fn := s.eventFn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Synchronizer) recordQueueMetrics() {
	items, err := s.repo.ListQueue()
	if err != nil {
		return
	}
	counts := map[models.SyncStatus]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	for _, status := range []models.SyncStatus{
		models.SyncStatusPending, models.SyncStatusProcessing,
		models.SyncStatusFailed, models.SyncStatusConflict,
	} {
		metrics.RecordQueueSize(string(status), counts[status])
	}
}

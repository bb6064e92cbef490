package sync

import (
	"context"
	"database/sql"
	"time"

	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/models"
	"github.com/nightpress/nightpress/internal/sync/conflict"
)

// ErrorDetails is the diagnostic view of everything currently stuck in
// the queue: failed items still in backoff, parked conflicts and
// recovery entries awaiting manual intervention.
type ErrorDetails struct {
	Failed    []*models.SyncItem     `json:"failed"`
	Conflicts []*models.SyncItem     `json:"conflicts"`
	Recovery  []*models.RecoveryItem `json:"recovery"`
}

// ErrorDetails reports every item that needs attention.
func (s *Synchronizer) ErrorDetails() (*ErrorDetails, error) {
	items, err := s.repo.ListQueue()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read queue", err)
	}
	recovery, err := s.repo.ListRecovery()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read recovery queue", err)
	}

	details := &ErrorDetails{Recovery: recovery}
	for _, item := range items {
		switch item.Status {
		case models.SyncStatusFailed:
			details.Failed = append(details.Failed, item)
		case models.SyncStatusConflict:
			details.Conflicts = append(details.Conflicts, item)
		}
	}
	return details, nil
}

// ResolveConflictLocal resolves a parked conflict by keeping the local
// snapshot and re-enqueueing it for replay.
func (s *Synchronizer) ResolveConflictLocal(ctx context.Context, contentID models.UUID) error {
	c, item, err := s.loadConflict(ctx, contentID)
	if err != nil {
		return err
	}
	outcome, err := s.resolver.ResolveLocal(c)
	if err != nil {
		return err
	}
	return s.applyResolution(ctx, item, outcome)
}

// ResolveConflictServer resolves a parked conflict by adopting the
// server snapshot and discarding the queued local change.
func (s *Synchronizer) ResolveConflictServer(ctx context.Context, contentID models.UUID) error {
	c, item, err := s.loadConflict(ctx, contentID)
	if err != nil {
		return err
	}
	outcome, err := s.resolver.ResolveServer(c)
	if err != nil {
		return err
	}
	return s.applyResolution(ctx, item, outcome)
}

// ResolveConflictManual resolves a parked conflict with a caller-merged
// snapshot, which is re-enqueued for replay.
func (s *Synchronizer) ResolveConflictManual(ctx context.Context, contentID models.UUID, merged *models.ScheduledContent) error {
	c, item, err := s.loadConflict(ctx, contentID)
	if err != nil {
		return err
	}
	outcome, err := s.resolver.ResolveManual(c, merged)
	if err != nil {
		return err
	}
	return s.applyResolution(ctx, item, outcome)
}

// loadConflict rebuilds the Conflict pair for a parked item: the local
// side from the queued snapshot and the server side from a fresh fetch.
func (s *Synchronizer) loadConflict(ctx context.Context, contentID models.UUID) (*conflict.Conflict, *models.SyncItem, error) {
	item, err := s.repo.GetQueueItemByContent(contentID)
	if err == sql.ErrNoRows {
		return nil, nil, errors.New(errors.ErrNotFound, "no queued item for content")
	}
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrStorage, "failed to read queue", err)
	}
	if item.Status != models.SyncStatusConflict {
		return nil, nil, errors.New(errors.ErrInvalid, "queued item is not in conflict")
	}

	local, err := item.Snapshot()
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrInternal, "corrupt queue snapshot", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	c := &conflict.Conflict{
		ContentID:     contentID,
		Local:         local,
		LocalVersion:  item.Version,
		ServerVersion: item.ServerVersion,
		DetectedAt:    item.UpdatedAt,
	}

	remote, err := s.remote.FetchContent(reqCtx, contentID)
	switch {
	case err == ErrNotFound:
		// Server side vanished since detection; resolution proceeds
		// against the versions recorded at park time.
	case err != nil:
		return nil, nil, errors.Wrap(errors.ErrSync, "failed to fetch server snapshot", err)
	default:
		c.Server = remote.Content
		c.ServerVersion = remote.Version
	}

	return c, item, nil
}

// applyResolution persists a resolution outcome: the winning snapshot
// becomes local truth, the audit log is appended, and the queue entry is
// either rearmed for replay or dropped.
func (s *Synchronizer) applyResolution(ctx context.Context, item *models.SyncItem, outcome *conflict.Outcome) error {
	if err := s.repo.UpsertContent(outcome.Winning); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist winning snapshot", err)
	}
	if err := s.repo.AppendConflictLog(outcome.Log); err != nil {
		logging.Warn("Failed to append conflict log",
			map[string]interface{}{"content_id": item.ContentID, "error": err.Error()})
	}

	if !outcome.Reenqueue {
		if err := s.repo.DeleteQueueItem(item.ID); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to drop resolved queue item", err)
		}
	} else {
		item.Status = models.SyncStatusPending
		item.Resolution = outcome.Resolution
		item.Version = outcome.Winning.Version
		item.RetryCount = 0
		item.NextAttempt = 0
		item.LastError = ""
		item.UpdatedAt = time.Now().Unix()
		if err := item.SetSnapshot(outcome.Winning); err != nil {
			return errors.Wrap(errors.ErrInternal, "failed to snapshot winning content", err)
		}
		if err := s.repo.UpsertQueueItem(item); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to rearm queue item", err)
		}
	}

	s.emit(Event{
		Type:      EventItemResolved,
		ContentID: item.ContentID,
		ItemID:    item.ID,
		Action:    item.Action,
		Version:   outcome.Winning.Version,
	})

	if outcome.Reenqueue {
		go s.Drain(ctx)
	}
	return nil
}

// AttemptRecovery moves a parked recovery entry back into the live
// queue with a fresh retry budget and triggers an immediate drain.
func (s *Synchronizer) AttemptRecovery(ctx context.Context, id models.UUID) error {
	rec, err := s.repo.GetRecoveryItem(id)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrNotFound, "no such recovery entry")
	}
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to read recovery queue", err)
	}

	now := time.Now().Unix()
	item := &models.SyncItem{
		ID:         rec.ID,
		ContentID:  rec.ContentID,
		Action:     rec.Action,
		Data:       rec.Data,
		Status:     models.SyncStatusPending,
		MaxRetries: s.cfg.MaxRetries,
		Priority:   int(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if snap, err := item.Snapshot(); err == nil && snap != nil {
		item.Version = snap.Version
	}

	if err := s.repo.UpsertQueueItem(item); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to re-enqueue recovered item", err)
	}
	if err := s.repo.DeleteRecoveryItem(id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to clear recovery entry", err)
	}

	logging.Info("Recovery attempt started",
		map[string]interface{}{"item_id": id, "content_id": rec.ContentID})

	go s.Drain(ctx)
	return nil
}

// Package conflict decides which version of a content item survives a
// detected divergence between the local queue snapshot and the server of
// record. A conflict with no chosen resolution stays parked: authored
// content is never silently discarded.
package conflict

import (
	"time"

	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
	"github.com/nightpress/nightpress/internal/models"
)

// Conflict pairs a queue item's local snapshot with the fetched server
// snapshot.
type Conflict struct {
	ContentID     models.UUID
	Local         *models.ScheduledContent
	Server        *models.ScheduledContent
	LocalVersion  int
	ServerVersion int
	DetectedAt    int64
}

// Outcome is the result of applying a resolution strategy.
type Outcome struct {
	// Winning is the snapshot that survives.
	Winning *models.ScheduledContent

	// Resolution is the strategy that was applied.
	Resolution models.Resolution

	// Reenqueue is true when the winning snapshot must be pushed back
	// to the server (local and manual resolutions).
	Reenqueue bool

	// Log is the audit record for the resolution.
	Log *models.ConflictLog
}

// Detect reports whether local and server state diverge in a way that
// requires resolution before replay. A local edit always differs from
// the server it is about to supersede, so differing fields alone are not
// a conflict: the server must have advanced past the local version, or
// reached the same version with different content, publish time or
// status. An item strictly ahead of the server replays unhindered.
func Detect(local, server *models.ScheduledContent, localVersion, serverVersion int) (*Conflict, bool) {
	if local == nil || server == nil {
		return nil, false
	}
	if local.ID != server.ID {
		return nil, false
	}

	diverged := serverVersion > localVersion ||
		(serverVersion == localVersion && coreFieldsDiffer(local, server))
	if !diverged {
		return nil, false
	}

	c := &Conflict{
		ContentID:     local.ID,
		Local:         local,
		Server:        server,
		LocalVersion:  localVersion,
		ServerVersion: serverVersion,
		DetectedAt:    time.Now().Unix(),
	}

	logging.Warn("Version conflict detected",
		map[string]interface{}{
			"content_id":     local.ID,
			"local_version":  localVersion,
			"server_version": serverVersion,
		})

	return c, true
}

// coreFieldsDiffer compares the fields that participate in conflict
// detection.
func coreFieldsDiffer(local, server *models.ScheduledContent) bool {
	return local.Content != server.Content ||
		local.PublishAt != server.PublishAt ||
		local.Status != server.Status
}

// Resolver applies resolution strategies and produces audit records.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveLocal keeps the local snapshot. Its version becomes
// max(local, server)+1 so the subsequent push supersedes the server.
func (r *Resolver) ResolveLocal(c *Conflict) (*Outcome, error) {
	if c == nil || c.Local == nil {
		return nil, errors.New(errors.ErrInvalid, "conflict has no local snapshot")
	}

	winning := c.Local.Clone()
	winning.Version = maxInt(c.LocalVersion, c.ServerVersion) + 1

	return r.outcome(c, winning, models.ResolutionLocal, true), nil
}

// ResolveServer adopts the server snapshot and discards the local change.
func (r *Resolver) ResolveServer(c *Conflict) (*Outcome, error) {
	if c == nil || c.Server == nil {
		return nil, errors.New(errors.ErrInvalid, "conflict has no server snapshot")
	}

	winning := c.Server.Clone()
	winning.Version = c.ServerVersion

	return r.outcome(c, winning, models.ResolutionServer, false), nil
}

// ResolveManual applies a caller-supplied merged snapshot. Its version
// becomes max(local, server)+1 and it is pushed back to the server.
func (r *Resolver) ResolveManual(c *Conflict, merged *models.ScheduledContent) (*Outcome, error) {
	if c == nil {
		return nil, errors.New(errors.ErrInvalid, "conflict is nil")
	}
	if merged == nil {
		return nil, errors.New(errors.ErrInvalid, "manual resolution requires a merged snapshot")
	}
	if merged.ID != c.ContentID {
		return nil, errors.New(errors.ErrInvalid, "merged snapshot content ID mismatch")
	}

	winning := merged.Clone()
	winning.Version = maxInt(c.LocalVersion, c.ServerVersion) + 1

	return r.outcome(c, winning, models.ResolutionManual, true), nil
}

func (r *Resolver) outcome(c *Conflict, winning *models.ScheduledContent, resolution models.Resolution, reenqueue bool) *Outcome {
	now := time.Now().Unix()

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"content_id":     c.ContentID,
			"resolution":     resolution,
			"local_version":  c.LocalVersion,
			"server_version": c.ServerVersion,
			"final_version":  winning.Version,
		})

	return &Outcome{
		Winning:    winning,
		Resolution: resolution,
		Reenqueue:  reenqueue,
		Log: &models.ConflictLog{
			ContentID:     c.ContentID,
			LocalVersion:  c.LocalVersion,
			ServerVersion: c.ServerVersion,
			Resolution:    resolution,
			DetectedAt:    c.DetectedAt,
			ResolvedAt:    now,
		},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

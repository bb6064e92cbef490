// Package sync provides the durable mutation queue and its replay
// against the server of record.
package sync

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nightpress/nightpress/internal/models"
)

// ErrNotFound is returned by RemoteClient.FetchContent when the server
// holds no content with the given ID.
var ErrNotFound = stderrors.New("content not found on server")

// RemoteContent is the server's current view of one content item.
type RemoteContent struct {
	Version int
	Content *models.ScheduledContent
}

// PushResult is the server's acknowledgement of a replayed mutation.
type PushResult struct {
	Version int
}

// ConflictError is returned by PushMutation when the server rejects a
// mutation because its version moved ahead of the local one.
type ConflictError struct {
	ServerVersion int
	ServerContent *models.ScheduledContent
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("server rejected mutation: server version %d is ahead", e.ServerVersion)
}

// AsConflict extracts a ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RemoteClient is the narrow network collaborator used for replay. Any
// transport failure is treated identically to an error result for retry
// purposes.
type RemoteClient interface {
	// FetchContent returns the server's current version and content for
	// id, or ErrNotFound.
	FetchContent(ctx context.Context, id models.UUID) (*RemoteContent, error)

	// PushMutation replays one mutation. Returns a ConflictError when
	// the server's version is ahead.
	PushMutation(ctx context.Context, item *models.SyncItem) (*PushResult, error)
}

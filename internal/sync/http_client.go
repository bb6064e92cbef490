package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/models"
)

// HTTPRemote talks to the blog platform's content API. Version conflicts
// surface as ConflictError carrying the server's snapshot so the caller
// can run resolution without a second round trip.
type HTTPRemote struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRemote creates an HTTPRemote against baseURL. token may be
// empty for unauthenticated deployments.
func NewHTTPRemote(baseURL, token string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type contentPayload struct {
	Version int                      `json:"version"`
	Content *models.ScheduledContent `json:"content"`
}

// FetchContent implements RemoteClient.
func (r *HTTPRemote) FetchContent(ctx context.Context, id models.UUID) (*RemoteContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/content/%s", r.baseURL, id), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "failed to build request", err)
	}
	r.auth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "fetch failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload contentPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, errors.Wrap(errors.ErrTransport, "malformed fetch response", err)
		}
		return &RemoteContent{Version: payload.Version, Content: payload.Content}, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, errors.New(errors.ErrTransport,
			fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}
}

// PushMutation implements RemoteClient.
func (r *HTTPRemote) PushMutation(ctx context.Context, item *models.SyncItem) (*PushResult, error) {
	var (
		method string
		url    = fmt.Sprintf("%s/api/v1/content/%s", r.baseURL, item.ContentID)
		body   io.Reader
	)

	switch item.Action {
	case models.SyncActionCreate:
		method = http.MethodPost
		url = fmt.Sprintf("%s/api/v1/content", r.baseURL)
	case models.SyncActionUpdate:
		method = http.MethodPut
	case models.SyncActionDelete:
		method = http.MethodDelete
	default:
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown action %q", item.Action))
	}

	if item.Action != models.SyncActionDelete {
		snap, err := item.Snapshot()
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "corrupt queue snapshot", err)
		}
		raw, err := json.Marshal(contentPayload{Version: item.Version, Content: snap})
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "failed to encode mutation", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.auth(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "push failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		result := &PushResult{Version: item.Version}
		var payload contentPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Version > 0 {
			result.Version = payload.Version
		}
		return result, nil

	case http.StatusConflict:
		var payload contentPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, errors.Wrap(errors.ErrTransport, "malformed conflict response", err)
		}
		return nil, &ConflictError{
			ServerVersion: payload.Version,
			ServerContent: payload.Content,
		}

	default:
		return nil, errors.New(errors.ErrTransport,
			fmt.Sprintf("push returned status %d", resp.StatusCode))
	}
}

func (r *HTTPRemote) auth(req *http.Request) {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}

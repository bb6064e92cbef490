package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nightpress/nightpress/internal/models"
)

func TestHTTPRemoteFetch(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/api/v1/content/"+string(id) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(contentPayload{
			Version: 4,
			Content: &models.ScheduledContent{ID: id, Content: "remote body", Version: 4},
		})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "secret", time.Second)

	rc, err := remote.FetchContent(context.Background(), id)
	if err != nil {
		t.Fatalf("FetchContent failed: %v", err)
	}
	if rc.Version != 4 || rc.Content.Content != "remote body" {
		t.Errorf("FetchContent = %+v", rc)
	}

	if _, err := remote.FetchContent(context.Background(), "22222222-2222-4222-8222-222222222222"); err != ErrNotFound {
		t.Errorf("missing content should map to ErrNotFound, got %v", err)
	}
}

func TestHTTPRemotePush(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var payload contentPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("malformed push body: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(contentPayload{Version: payload.Version + 1})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "", time.Second)

	item := &models.SyncItem{
		ID:        id,
		ContentID: id,
		Action:    models.SyncActionCreate,
		Version:   1,
	}
	item.SetSnapshot(&models.ScheduledContent{ID: id, Content: "body", Version: 1})

	res, err := remote.PushMutation(context.Background(), item)
	if err != nil {
		t.Fatalf("PushMutation failed: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("server-assigned version = %d, want 2", res.Version)
	}

	del := &models.SyncItem{ID: id, ContentID: id, Action: models.SyncActionDelete, Version: 2}
	res, err = remote.PushMutation(context.Background(), del)
	if err != nil {
		t.Fatalf("delete push failed: %v", err)
	}
	if res.Version != 2 {
		t.Errorf("delete should keep the item version, got %d", res.Version)
	}
}

func TestHTTPRemotePushConflict(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(contentPayload{
			Version: 9,
			Content: &models.ScheduledContent{ID: id, Content: "server side", Version: 9},
		})
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "", time.Second)

	item := &models.SyncItem{ID: id, ContentID: id, Action: models.SyncActionUpdate, Version: 3}
	item.SetSnapshot(&models.ScheduledContent{ID: id, Content: "local side", Version: 3})

	_, err := remote.PushMutation(context.Background(), item)
	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("409 should surface as ConflictError, got %v", err)
	}
	if ce.ServerVersion != 9 || ce.ServerContent.Content != "server side" {
		t.Errorf("ConflictError = %+v", ce)
	}
}

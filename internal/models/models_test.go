// Package models tests for the engine's data model invariants.
package models

import (
	"testing"
	"time"
)

func TestTouchBumpsVersionAndLastModified(t *testing.T) {
	c := &ScheduledContent{
		ID:           "c1",
		Version:      3,
		LastModified: 100,
	}

	c.Touch()

	if c.Version != 4 {
		t.Errorf("Touch should bump version to 4, got %d", c.Version)
	}
	if c.LastModified == 100 {
		t.Error("Touch should refresh LastModified")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	c := &ScheduledContent{ID: "c1", Content: "draft", Version: 1}
	cp := c.Clone()

	cp.Content = "edited"
	cp.Version = 2

	if c.Content != "draft" || c.Version != 1 {
		t.Error("mutating a clone should not affect the original")
	}
}

func TestSyncItemReady(t *testing.T) {
	now := time.Now().Unix()

	tests := []struct {
		name string
		item SyncItem
		want bool
	}{
		{"pending is always ready", SyncItem{Status: SyncStatusPending}, true},
		{"failed before backoff", SyncItem{Status: SyncStatusFailed, NextAttempt: now + 60}, false},
		{"failed after backoff", SyncItem{Status: SyncStatusFailed, NextAttempt: now - 1}, true},
		{"processing is not ready", SyncItem{Status: SyncStatusProcessing}, false},
		{"conflict is parked", SyncItem{Status: SyncStatusConflict}, false},
		{"completed is done", SyncItem{Status: SyncStatusCompleted}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Ready(now); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncItemSnapshotRoundTrip(t *testing.T) {
	content := &ScheduledContent{
		ID:        "c1",
		Type:      ContentTypePost,
		Content:   "hello",
		PublishAt: 1700000000,
		Status:    ContentStatusScheduled,
		Version:   2,
	}

	var item SyncItem
	if err := item.SetSnapshot(content); err != nil {
		t.Fatalf("SetSnapshot failed: %v", err)
	}

	got, err := item.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got.ID != content.ID || got.Content != content.Content || got.Version != content.Version {
		t.Errorf("snapshot round trip lost data: got %+v", got)
	}
}

func TestTimerSnapshotExpired(t *testing.T) {
	now := time.Now()
	grace := time.Hour

	fresh := &TimerSnapshot{PublishAt: now.Add(10 * time.Minute).Unix()}
	if fresh.Expired(now, grace) {
		t.Error("future snapshot should not be expired")
	}

	recent := &TimerSnapshot{PublishAt: now.Add(-30 * time.Minute).Unix()}
	if recent.Expired(now, grace) {
		t.Error("snapshot within grace should not be expired")
	}

	stale := &TimerSnapshot{PublishAt: now.Add(-2 * time.Hour).Unix()}
	if !stale.Expired(now, grace) {
		t.Error("snapshot past grace should be expired")
	}
}

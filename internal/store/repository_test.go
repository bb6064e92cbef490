// Package store tests for the persistence layer. All tests run against
// an in-memory database with the real schema.
package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/nightpress/nightpress/internal/models"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	st, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRepository(st)
}

func testContent(id models.UUID) *models.ScheduledContent {
	now := time.Now().Unix()
	return &models.ScheduledContent{
		ID:           id,
		Type:         models.ContentTypePost,
		Content:      "draft body",
		PublishAt:    now + 3600,
		Status:       models.ContentStatusScheduled,
		AuthorID:     "author-1",
		Version:      1,
		LastModified: now,
	}
}

func testQueueItem(id, contentID models.UUID, status models.SyncStatus) *models.SyncItem {
	now := time.Now().Unix()
	item := &models.SyncItem{
		ID:         id,
		ContentID:  contentID,
		Action:     models.SyncActionCreate,
		Status:     status,
		Version:    1,
		MaxRetries: 3,
		Priority:   int(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	item.SetSnapshot(testContent(contentID))
	return item
}

func TestContentCRUD(t *testing.T) {
	repo := setupRepo(t)

	content := testContent("11111111-1111-4111-8111-111111111111")
	if err := repo.UpsertContent(content); err != nil {
		t.Fatalf("UpsertContent failed: %v", err)
	}

	got, err := repo.GetContent(content.ID)
	if err != nil {
		t.Fatalf("GetContent failed: %v", err)
	}
	if got.Content != content.Content || got.Version != 1 {
		t.Errorf("GetContent returned %+v", got)
	}

	content.Content = "edited"
	content.Touch()
	if err := repo.UpsertContent(content); err != nil {
		t.Fatalf("UpsertContent (update) failed: %v", err)
	}

	got, err = repo.GetContent(content.ID)
	if err != nil {
		t.Fatalf("GetContent after update failed: %v", err)
	}
	if got.Content != "edited" || got.Version != 2 {
		t.Errorf("update not persisted: %+v", got)
	}

	all, err := repo.ListContent()
	if err != nil {
		t.Fatalf("ListContent failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListContent returned %d items, want 1", len(all))
	}

	if err := repo.DeleteContent(content.ID); err != nil {
		t.Fatalf("DeleteContent failed: %v", err)
	}
	if _, err := repo.GetContent(content.ID); err != sql.ErrNoRows {
		t.Errorf("GetContent after delete should return ErrNoRows, got %v", err)
	}
}

func TestQueueHoldsOneEntryPerContent(t *testing.T) {
	repo := setupRepo(t)
	contentID := models.UUID("22222222-2222-4222-8222-222222222222")

	first := testQueueItem("a1111111-1111-4111-8111-111111111111", contentID, models.SyncStatusPending)
	if err := repo.UpsertQueueItem(first); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	second := testQueueItem("b2222222-2222-4222-8222-222222222222", contentID, models.SyncStatusPending)
	second.Action = models.SyncActionUpdate
	if err := repo.UpsertQueueItem(second); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	items, err := repo.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue should hold one entry per content, got %d", len(items))
	}
	if items[0].Action != models.SyncActionUpdate {
		t.Errorf("newer mutation should win, got action %q", items[0].Action)
	}

	got, err := repo.GetQueueItemByContent(contentID)
	if err != nil {
		t.Fatalf("GetQueueItemByContent failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("lookup returned item %s, want %s", got.ID, second.ID)
	}
}

func TestLoadActiveQueueResumesUnfinishedWork(t *testing.T) {
	repo := setupRepo(t)

	pending := testQueueItem("a1111111-1111-4111-8111-111111111111",
		"11111111-1111-4111-8111-111111111111", models.SyncStatusPending)
	processing := testQueueItem("b2222222-2222-4222-8222-222222222222",
		"22222222-2222-4222-8222-222222222222", models.SyncStatusProcessing)
	completed := testQueueItem("c3333333-3333-4333-8333-333333333333",
		"33333333-3333-4333-8333-333333333333", models.SyncStatusCompleted)
	conflicted := testQueueItem("d4444444-4444-4444-8444-444444444444",
		"44444444-4444-4444-8444-444444444444", models.SyncStatusConflict)

	for _, item := range []*models.SyncItem{pending, processing, completed, conflicted} {
		if err := repo.UpsertQueueItem(item); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	items, err := repo.LoadActiveQueue()
	if err != nil {
		t.Fatalf("LoadActiveQueue failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("LoadActiveQueue returned %d items, want 3", len(items))
	}

	// The item that died mid-processing must come back as pending.
	got, err := repo.GetQueueItemByContent(processing.ContentID)
	if err != nil {
		t.Fatalf("GetQueueItemByContent failed: %v", err)
	}
	if got.Status != models.SyncStatusPending {
		t.Errorf("processing item should resume as pending, got %q", got.Status)
	}

	for _, item := range items {
		if item.ID == completed.ID {
			t.Error("completed items must not be restored")
		}
	}
}

func TestRecoveryQueueLifecycle(t *testing.T) {
	repo := setupRepo(t)

	item := testQueueItem("a1111111-1111-4111-8111-111111111111",
		"11111111-1111-4111-8111-111111111111", models.SyncStatusFailed)
	item.RetryCount = 3

	if err := repo.ParkRecoveryItem(item, "server unreachable"); err != nil {
		t.Fatalf("ParkRecoveryItem failed: %v", err)
	}

	entries, err := repo.ListRecovery()
	if err != nil {
		t.Fatalf("ListRecovery failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("recovery queue should hold 1 entry, got %d", len(entries))
	}
	if entries[0].SyncError != "server unreachable" || entries[0].RetryCount != 3 {
		t.Errorf("recovery entry lost detail: %+v", entries[0])
	}

	got, err := repo.GetRecoveryItem(item.ID)
	if err != nil {
		t.Fatalf("GetRecoveryItem failed: %v", err)
	}
	if got.ContentID != item.ContentID {
		t.Errorf("GetRecoveryItem returned wrong entry: %+v", got)
	}

	if err := repo.DeleteRecoveryItem(item.ID); err != nil {
		t.Fatalf("DeleteRecoveryItem failed: %v", err)
	}
	if _, err := repo.GetRecoveryItem(item.ID); err != sql.ErrNoRows {
		t.Errorf("deleted recovery entry should be gone, got %v", err)
	}
}

func TestTimerSnapshotsReplaceOnSave(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().Unix()

	first := []models.TimerSnapshot{
		{ContentID: "11111111-1111-4111-8111-111111111111", PublishAt: now + 60, IsActive: true},
		{ContentID: "22222222-2222-4222-8222-222222222222", PublishAt: now + 120, IsActive: false},
	}
	if err := repo.SaveTimerSnapshots(first); err != nil {
		t.Fatalf("SaveTimerSnapshots failed: %v", err)
	}

	// Only active snapshots come back.
	got, err := repo.LoadTimerSnapshots()
	if err != nil {
		t.Fatalf("LoadTimerSnapshots failed: %v", err)
	}
	if len(got) != 1 || got[0].ContentID != first[0].ContentID {
		t.Fatalf("LoadTimerSnapshots returned %+v", got)
	}

	// A later save replaces the whole set.
	second := []models.TimerSnapshot{
		{ContentID: "33333333-3333-4333-8333-333333333333", PublishAt: now + 30, IsActive: true},
	}
	if err := repo.SaveTimerSnapshots(second); err != nil {
		t.Fatalf("second SaveTimerSnapshots failed: %v", err)
	}
	got, err = repo.LoadTimerSnapshots()
	if err != nil {
		t.Fatalf("LoadTimerSnapshots failed: %v", err)
	}
	if len(got) != 1 || got[0].ContentID != second[0].ContentID {
		t.Errorf("save should replace previous snapshots, got %+v", got)
	}
}

func TestAuditLogs(t *testing.T) {
	repo := setupRepo(t)
	contentID := models.UUID("11111111-1111-4111-8111-111111111111")

	if err := repo.AppendConflictLog(&models.ConflictLog{
		ContentID:     contentID,
		LocalVersion:  2,
		ServerVersion: 3,
		Resolution:    models.ResolutionServer,
		DetectedAt:    time.Now().Unix(),
		ResolvedAt:    time.Now().Unix(),
	}); err != nil {
		t.Fatalf("AppendConflictLog failed: %v", err)
	}

	conflicts, err := repo.ListConflictLogs()
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Resolution != models.ResolutionServer {
		t.Errorf("ListConflictLogs returned %+v", conflicts)
	}

	for v := 1; v <= 3; v++ {
		if err := repo.AppendChangeLog(&models.ChangeLog{
			ContentID: contentID,
			Action:    models.SyncActionUpdate,
			Version:   v,
			Timestamp: int64(1000 + v),
		}); err != nil {
			t.Fatalf("AppendChangeLog failed: %v", err)
		}
	}

	changes, err := repo.ListChangeLogs(contentID)
	if err != nil {
		t.Fatalf("ListChangeLogs failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("ListChangeLogs returned %d entries, want 3", len(changes))
	}
	if changes[0].Version != 1 || changes[2].Version != 3 {
		t.Error("change log should be ordered by timestamp")
	}
}

func TestKVRoundTrip(t *testing.T) {
	repo := setupRepo(t)

	if err := repo.SetKV("instance_id", []byte("abc")); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	if err := repo.SetKV("instance_id", []byte("def")); err != nil {
		t.Fatalf("SetKV overwrite failed: %v", err)
	}

	got, err := repo.GetKV("instance_id")
	if err != nil {
		t.Fatalf("GetKV failed: %v", err)
	}
	if string(got) != "def" {
		t.Errorf("GetKV = %q, want %q", got, "def")
	}

	if err := repo.DeleteKV("instance_id"); err != nil {
		t.Fatalf("DeleteKV failed: %v", err)
	}
	if _, err := repo.GetKV("instance_id"); err != sql.ErrNoRows {
		t.Errorf("GetKV after delete should return ErrNoRows, got %v", err)
	}
}

func TestCompactPreservesLiveWork(t *testing.T) {
	repo := setupRepo(t)
	now := time.Now().Unix()

	pending := testQueueItem("a1111111-1111-4111-8111-111111111111",
		"11111111-1111-4111-8111-111111111111", models.SyncStatusPending)
	completed := testQueueItem("b2222222-2222-4222-8222-222222222222",
		"22222222-2222-4222-8222-222222222222", models.SyncStatusCompleted)
	for _, item := range []*models.SyncItem{pending, completed} {
		if err := repo.UpsertQueueItem(item); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	old := testContent("33333333-3333-4333-8333-333333333333")
	old.Status = models.ContentStatusPublished
	old.LastModified = now - 90*24*3600
	if err := repo.UpsertContent(old); err != nil {
		t.Fatalf("UpsertContent failed: %v", err)
	}

	parked := testQueueItem("c4444444-4444-4444-8444-444444444444",
		"44444444-4444-4444-8444-444444444444", models.SyncStatusFailed)
	if err := repo.ParkRecoveryItem(parked, "gave up"); err != nil {
		t.Fatalf("ParkRecoveryItem failed: %v", err)
	}

	// A one-byte budget forces a full compaction pass.
	result, err := repo.Compact(1, 0.5, 30*24*time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if result.DroppedCompleted != 1 {
		t.Errorf("DroppedCompleted = %d, want 1", result.DroppedCompleted)
	}
	if result.DroppedContent != 1 {
		t.Errorf("DroppedContent = %d, want 1", result.DroppedContent)
	}

	items, err := repo.ListQueue()
	if err != nil {
		t.Fatalf("ListQueue failed: %v", err)
	}
	if len(items) != 1 || items[0].Status != models.SyncStatusPending {
		t.Errorf("pending work must survive compaction, got %+v", items)
	}

	entries, err := repo.ListRecovery()
	if err != nil {
		t.Fatalf("ListRecovery failed: %v", err)
	}
	if len(entries) != 1 {
		t.Error("recovery queue must never be compacted")
	}
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	repo := setupRepo(t)

	completed := testQueueItem("a1111111-1111-4111-8111-111111111111",
		"11111111-1111-4111-8111-111111111111", models.SyncStatusCompleted)
	if err := repo.UpsertQueueItem(completed); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	result, err := repo.Compact(1<<40, 0.8, 30*24*time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if result.DroppedCompleted != 0 {
		t.Error("compaction below threshold should not drop anything")
	}
}

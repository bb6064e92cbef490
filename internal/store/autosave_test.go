package store

import (
	"context"
	"testing"
	"time"

	"github.com/nightpress/nightpress/internal/config"
	"github.com/nightpress/nightpress/internal/models"
)

func testStoreConfig() config.StoreConfig {
	return config.StoreConfig{
		AutoSaveInterval: 10 * time.Millisecond,
		Budget:           1 << 30,
		BudgetThreshold:  0.8,
		ContentMaxAge:    30 * 24 * time.Hour,
	}
}

func TestAutoSaverPersistsPeriodically(t *testing.T) {
	repo := setupRepo(t)

	snaps := []models.TimerSnapshot{
		{ContentID: "11111111-1111-4111-8111-111111111111", PublishAt: time.Now().Add(time.Hour).Unix(), IsActive: true},
	}
	saver := NewAutoSaver(repo, testStoreConfig(), func() []models.TimerSnapshot {
		return snaps
	})

	saver.Start(context.Background())
	defer saver.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := repo.LoadTimerSnapshots()
		if err != nil {
			t.Fatalf("LoadTimerSnapshots failed: %v", err)
		}
		if len(got) == 1 && !saver.LastSave().IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto-saver should persist snapshots within the interval")
}

func TestSaveNowImmediate(t *testing.T) {
	repo := setupRepo(t)

	saver := NewAutoSaver(repo, testStoreConfig(), func() []models.TimerSnapshot {
		return []models.TimerSnapshot{
			{ContentID: "22222222-2222-4222-8222-222222222222", PublishAt: time.Now().Add(time.Hour).Unix(), IsActive: true},
		}
	})

	saver.SaveNow()

	got, err := repo.LoadTimerSnapshots()
	if err != nil {
		t.Fatalf("LoadTimerSnapshots failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("SaveNow should persist immediately, got %d snapshots", len(got))
	}
}

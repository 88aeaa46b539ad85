package janitor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tripsync/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "tripsync.db"), nil, persistence.Options{FailedKeep: 1, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Store: openTestStore(t), Schedule: "every full moon", Logger: testLogger()})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewAcceptsDescriptors(t *testing.T) {
	for _, expr := range []string{"", "@hourly", "@daily", "*/15 * * * *"} {
		if _, err := New(Config{Store: openTestStore(t), Schedule: expr, Logger: testLogger()}); err != nil {
			t.Errorf("New(%q): %v", expr, err)
		}
	}
}

func TestRunOncePurgesAndCaps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// One expired snapshot, one fresh.
	if err := store.PutEntity(ctx, persistence.CachedEntity{
		EntityType: persistence.EntityTask, ID: "stale", Payload: []byte(`{}`), Version: 1,
		LastModified: now.AddDate(0, 0, -60), ExpiresAt: now.AddDate(0, 0, -30),
	}); err != nil {
		t.Fatalf("PutEntity stale: %v", err)
	}
	if err := store.PutEntity(ctx, persistence.CachedEntity{
		EntityType: persistence.EntityTask, ID: "fresh", Payload: []byte(`{}`), Version: 1, LastModified: now,
	}); err != nil {
		t.Fatalf("PutEntity fresh: %v", err)
	}

	// Two terminal failed mutations; FailedKeep is 1.
	for _, id := range []string{"a", "b"} {
		m, err := store.Enqueue(ctx, persistence.WriteOp{
			EntityType: persistence.EntityTask, EntityID: id, Op: persistence.OpUpdate, Payload: []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if _, err := store.ClaimBatch(ctx, 10); err != nil {
			t.Fatalf("ClaimBatch: %v", err)
		}
		if _, err := store.HandleDispatchFailure(ctx, m.ID, "boom"); err != nil {
			t.Fatalf("HandleDispatchFailure: %v", err)
		}
	}

	j, err := New(Config{Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.RunOnce(ctx)

	count, err := store.CacheCount(ctx)
	if err != nil {
		t.Fatalf("CacheCount: %v", err)
	}
	if count != 1 {
		t.Errorf("CacheCount = %d after purge, want 1", count)
	}

	failed, err := store.ListFailed(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed entries = %d after cap, want 1", len(failed))
	}

	if _, ok, err := store.KVGetTime(ctx, persistence.KeyLastPurgeAt); err != nil || !ok {
		t.Errorf("purge checkpoint missing: ok=%t err=%v", ok, err)
	}
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{Store: openTestStore(t), Schedule: "@daily", Logger: testLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Start(context.Background())
	j.Stop()
}

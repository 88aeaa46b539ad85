package persistence

import (
	"context"
	"testing"
	"time"
)

func TestPutGetEntityRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := CachedEntity{
		EntityType:   EntityTask,
		ID:           "t1",
		Payload:      []byte(`{"title":"book ferry","done":false}`),
		Version:      3,
		LastModified: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.PutEntity(ctx, want); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, EntityTask, "t1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got == nil {
		t.Fatal("GetEntity returned nil for cached snapshot")
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, want.Payload)
	}
	if got.ExpiresAt.Before(want.LastModified.AddDate(0, 0, DefaultCacheWindowDays-1)) {
		t.Errorf("ExpiresAt = %v, want ~%d days after last_modified", got.ExpiresAt, DefaultCacheWindowDays)
	}
}

func TestGetEntityMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetEntity(context.Background(), EntityMessage, "nope")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got != nil {
		t.Errorf("GetEntity = %+v, want nil", got)
	}
}

func TestPutEntityIgnoresStaleVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityMessage, ID: "m1", Payload: []byte(`{"body":"v2"}`), Version: 2, LastModified: now}); err != nil {
		t.Fatalf("PutEntity v2: %v", err)
	}
	// Out-of-order replay of an older snapshot must not clobber the newer one.
	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityMessage, ID: "m1", Payload: []byte(`{"body":"v1"}`), Version: 1, LastModified: now.Add(time.Minute)}); err != nil {
		t.Fatalf("PutEntity v1: %v", err)
	}

	got, err := s.GetEntity(ctx, EntityMessage, "m1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got == nil || got.Version != 2 {
		t.Fatalf("snapshot = %+v, want version 2 retained", got)
	}
	if string(got.Payload) != `{"body":"v2"}` {
		t.Errorf("Payload = %s, want v2 body", got.Payload)
	}
}

func TestPutEntityEqualVersionNewerTimestampWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityEvent, ID: "e1", Payload: []byte(`{"name":"old"}`), Version: 5, LastModified: base}); err != nil {
		t.Fatalf("PutEntity old: %v", err)
	}
	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityEvent, ID: "e1", Payload: []byte(`{"name":"new"}`), Version: 5, LastModified: base.Add(time.Minute)}); err != nil {
		t.Fatalf("PutEntity new: %v", err)
	}

	got, err := s.GetEntity(ctx, EntityEvent, "e1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got == nil || string(got.Payload) != `{"name":"new"}` {
		t.Fatalf("snapshot = %+v, want newer payload at equal version", got)
	}
}

func TestGetEntityExpiredReturnsNil(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -40)
	if err := s.PutEntity(ctx, CachedEntity{
		EntityType:   EntityTask,
		ID:           "stale",
		Payload:      []byte(`{}`),
		Version:      1,
		LastModified: old,
		ExpiresAt:    old.AddDate(0, 0, DefaultCacheWindowDays),
	}); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, EntityTask, "stale")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got != nil {
		t.Errorf("GetEntity = %+v, want nil for expired snapshot", got)
	}
}

func TestListRecentWindowAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []struct {
		id  string
		age time.Duration
	}{
		{"fresh", time.Hour},
		{"fresher", time.Minute},
		{"week-old", 7 * 24 * time.Hour},
	}
	for _, e := range entries {
		if err := s.PutEntity(ctx, CachedEntity{
			EntityType:   EntityMessage,
			ID:           e.id,
			Payload:      []byte(`{}`),
			Version:      1,
			LastModified: now.Add(-e.age),
		}); err != nil {
			t.Fatalf("PutEntity %s: %v", e.id, err)
		}
	}
	// Other types stay out of the listing.
	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityTask, ID: "task", Payload: []byte(`{}`), Version: 1, LastModified: now}); err != nil {
		t.Fatalf("PutEntity task: %v", err)
	}

	got, err := s.ListRecent(ctx, EntityMessage, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRecent returned %d entries, want 2", len(got))
	}
	if got[0].ID != "fresher" || got[1].ID != "fresh" {
		t.Errorf("order = [%s, %s], want [fresher, fresh]", got[0].ID, got[1].ID)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityTask, ID: "keep", Payload: []byte(`{}`), Version: 1, LastModified: now}); err != nil {
		t.Fatalf("PutEntity keep: %v", err)
	}
	if err := s.PutEntity(ctx, CachedEntity{
		EntityType: EntityTask, ID: "drop", Payload: []byte(`{}`), Version: 1,
		LastModified: now.AddDate(0, 0, -60),
		ExpiresAt:    now.AddDate(0, 0, -30),
	}); err != nil {
		t.Fatalf("PutEntity drop: %v", err)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n > 1 {
		t.Errorf("PurgeExpired removed %d rows, want at most 1", n)
	}

	count, err := s.CacheCount(ctx)
	if err != nil {
		t.Fatalf("CacheCount: %v", err)
	}
	if count != 1 {
		t.Errorf("CacheCount = %d, want 1", count)
	}
	if got, _ := s.GetEntity(ctx, EntityTask, "keep"); got == nil {
		t.Error("unexpired snapshot was purged")
	}
}

func TestDeleteEntity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutEntity(ctx, CachedEntity{EntityType: EntityEvent, ID: "e1", Payload: []byte(`{}`), Version: 1}); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if err := s.DeleteEntity(ctx, EntityEvent, "e1"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	got, err := s.GetEntity(ctx, EntityEvent, "e1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got != nil {
		t.Errorf("GetEntity = %+v after delete, want nil", got)
	}
}

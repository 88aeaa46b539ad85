package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint keys used by the sync driver.
const (
	KeyLastDrainAt      = "sync.last_drain_at"
	KeyLastDrainCycleID = "sync.last_drain_cycle_id"
	KeyLastPurgeAt      = "janitor.last_purge_at"
)

// KVSet writes a key in the small durable key/value side table.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP;
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// KVGet reads a key. Missing keys return ("", false, nil).
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value.String, true, nil
}

// KVSetTime stores a timestamp in RFC 3339 form.
func (s *Store) KVSetTime(ctx context.Context, key string, t time.Time) error {
	return s.KVSet(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// KVGetTime reads a timestamp written by KVSetTime.
func (s *Store) KVGetTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := s.KVGet(ctx, key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("kv parse time %q: %w", key, err)
	}
	return t, true, nil
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// PutEntity writes or refreshes a cached snapshot. The write is idempotent:
// a snapshot with an older version than the stored one is a no-op, which
// guards against out-of-order replays during drain cycles. Records without
// version metadata (version 0 on both sides) fall back to last_modified.
func (s *Store) PutEntity(ctx context.Context, e CachedEntity) error {
	if !ValidEntityType(e.EntityType) {
		return fmt.Errorf("invalid entity type %q", e.EntityType)
	}
	if e.ID == "" {
		return fmt.Errorf("entity id required")
	}
	lastModified := e.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now().UTC()
	}
	expiresAt := e.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = lastModified.AddDate(0, 0, s.opts.CacheWindowDays)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_entities (entity_type, id, payload, version, last_modified, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			last_modified = excluded.last_modified,
			expires_at = excluded.expires_at
		WHERE excluded.version > cached_entities.version
		   OR (excluded.version = cached_entities.version AND excluded.last_modified >= cached_entities.last_modified)
		   OR (cached_entities.version = 0 AND excluded.version = 0 AND excluded.last_modified >= cached_entities.last_modified);
	`, e.EntityType, e.ID, string(e.Payload), e.Version, lastModified, expiresAt)
	if err != nil {
		return fmt.Errorf("put cached entity: %w", err)
	}

	// Opportunistic purge, sampled so hot write paths stay cheap.
	if rand.IntN(32) == 0 {
		if _, err := s.PurgeExpired(ctx); err != nil {
			return fmt.Errorf("opportunistic purge: %w", err)
		}
	}
	return nil
}

// GetEntity returns the cached snapshot, or (nil, nil) when absent or expired.
func (s *Store) GetEntity(ctx context.Context, entityType EntityType, id string) (*CachedEntity, error) {
	var e CachedEntity
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_type, id, payload, version, last_modified, expires_at
		FROM cached_entities
		WHERE entity_type = ? AND id = ? AND expires_at > CURRENT_TIMESTAMP;
	`, entityType, id).Scan(&e.EntityType, &e.ID, &payload, &e.Version, &e.LastModified, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached entity: %w", err)
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// DeleteEntity removes a snapshot, typically after a confirmed remote delete.
func (s *Store) DeleteEntity(ctx context.Context, entityType EntityType, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM cached_entities WHERE entity_type = ? AND id = ?;
	`, entityType, id); err != nil {
		return fmt.Errorf("delete cached entity: %w", err)
	}
	return nil
}

// ListRecent returns unexpired snapshots of the given type modified within the
// window, newest first. windowDays <= 0 uses the configured cache window.
func (s *Store) ListRecent(ctx context.Context, entityType EntityType, windowDays int) ([]CachedEntity, error) {
	if windowDays <= 0 {
		windowDays = s.opts.CacheWindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, id, payload, version, last_modified, expires_at
		FROM cached_entities
		WHERE entity_type = ? AND last_modified >= ? AND expires_at > CURRENT_TIMESTAMP
		ORDER BY last_modified DESC, id ASC;
	`, entityType, since)
	if err != nil {
		return nil, fmt.Errorf("list recent entities: %w", err)
	}
	defer rows.Close()

	var out []CachedEntity
	for rows.Next() {
		var e CachedEntity
		var payload string
		if err := rows.Scan(&e.EntityType, &e.ID, &payload, &e.Version, &e.LastModified, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan cached entity: %w", err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cached entity rows: %w", err)
	}
	return out, nil
}

// PurgeExpired deletes snapshots whose expiry has elapsed. Returns the number
// of rows removed. Idempotent; safe to run from both Put and the janitor.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cached_entities WHERE expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return 0, fmt.Errorf("purge expired entities: %w", err)
	}
	return res.RowsAffected()
}

// CacheCount returns the number of cached snapshots, expired rows included.
func (s *Store) CacheCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cached_entities;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

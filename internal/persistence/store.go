// Package persistence is the durable local side of the sync core: a SQLite
// database holding cached entity snapshots for offline reads, the ordered
// queue of pending mutations awaiting remote confirmation, and an append-only
// event trail recording every queue state transition.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/tripsync/internal/bus"
	"github.com/basket/tripsync/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ts-v1-2026-08-12-sync-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	// DefaultMaxAttempts is the dispatch attempt cap before a mutation is
	// parked in terminal failed status.
	DefaultMaxAttempts = 3
	// DefaultCacheWindowDays is the rolling snapshot retention window.
	DefaultCacheWindowDays = 30
	// DefaultFailedKeep caps how many terminal failed mutations are retained.
	DefaultFailedKeep = 100

	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// EntityType names a syncable entity kind.
type EntityType string

const (
	EntityMessage EntityType = "message"
	EntityTask    EntityType = "task"
	EntityEvent   EntityType = "event"
)

// ValidEntityType reports whether t is a known entity kind.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityMessage, EntityTask, EntityEvent:
		return true
	}
	return false
}

// Op is a mutation operation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// MutationStatus is the queue entry lifecycle state.
type MutationStatus string

const (
	StatusPending MutationStatus = "pending"
	StatusSyncing MutationStatus = "syncing"
	StatusSynced  MutationStatus = "synced"
	StatusFailed  MutationStatus = "failed"
)

var allowedTransitions = map[MutationStatus]map[MutationStatus]struct{}{
	StatusPending: {
		StatusSyncing: {},
		StatusSynced:  {}, // Local create cancelled by local delete.
		StatusFailed:  {},
	},
	StatusSyncing: {
		StatusSynced:  {},
		StatusPending: {}, // Backoff requeue or startup reclaim.
		StatusFailed:  {},
	},
}

// Mutation event types recorded in the event trail.
const (
	EventEnqueued  = "mutation.enqueued"
	EventCoalesced = "mutation.coalesced"
	EventCancelled = "mutation.cancelled"
	EventClaimed   = "mutation.claimed"
	EventSynced    = "mutation.synced"
	EventDropped   = "mutation.dropped" // remote won the conflict
	EventRequeued  = "mutation.requeued"
	EventReclaimed = "mutation.reclaimed"
	EventExhausted = "mutation.exhausted"
)

// ErrInvalidOperationSequence is returned by Enqueue when a create is queued
// for an entity that already has an outstanding mutation.
var ErrInvalidOperationSequence = errors.New("invalid operation sequence")

// ErrMutationNotClaimed is returned when a terminal or retry decision targets
// a mutation that is missing or no longer in syncing status.
var ErrMutationNotClaimed = errors.New("mutation not in syncing status")

// CachedEntity is one snapshot in the offline read cache.
type CachedEntity struct {
	EntityType   EntityType `json:"entity_type"`
	ID           string     `json:"id"`
	Payload      []byte     `json:"payload"`
	Version      int64      `json:"version"`
	LastModified time.Time  `json:"last_modified"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// QueuedMutation is one durable queue entry.
type QueuedMutation struct {
	ID          string         `json:"id"`
	EntityType  EntityType     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Op          Op             `json:"op"`
	Payload     []byte         `json:"payload,omitempty"`
	BaseVersion int64          `json:"base_version"`
	Status      MutationStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	Superseded  bool           `json:"superseded,omitempty"`
	AvailableAt time.Time      `json:"available_at"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// MutationEvent is one row of the append-only state transition trail.
type MutationEvent struct {
	EventID    int64          `json:"event_id"`
	MutationID string         `json:"mutation_id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	CycleID    string         `json:"cycle_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	EventType  string         `json:"event_type"`
	StateFrom  MutationStatus `json:"state_from,omitempty"`
	StateTo    MutationStatus `json:"state_to"`
	Detail     string         `json:"detail"`
	CreatedAt  time.Time      `json:"created_at"`
}

// QueueStats is the point-in-time queue census. Synced is cumulative, derived
// from the event trail because synced rows are deleted on confirmation.
type QueueStats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

// Options tunes queue and cache behaviour. Zero values fall back to defaults.
type Options struct {
	MaxAttempts     int
	CacheWindowDays int
	FailedKeep      int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.CacheWindowDays <= 0 {
		o.CacheWindowDays = DefaultCacheWindowDays
	}
	if o.FailedKeep <= 0 {
		o.FailedKeep = DefaultFailedKeep
	}
	return o
}

// Store wraps the SQLite database. A single connection is used so claim
// transactions serialize naturally.
type Store struct {
	db   *sql.DB
	bus  *bus.Bus // may be nil in tests
	opts Options
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tripsync", "tripsync.db")
}

func Open(path string, eventBus *bus.Bus, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, opts: opts.withDefaults()}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MaxAttempts returns the configured dispatch attempt cap.
func (s *Store) MaxAttempts() int {
	return s.opts.MaxAttempts
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS cached_entities (
			entity_type TEXT NOT NULL CHECK(entity_type IN ('message', 'task', 'event')),
			id TEXT NOT NULL,
			payload JSON NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			last_modified DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (entity_type, id)
		);`,
		`CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL CHECK(entity_type IN ('message', 'task', 'event')),
			entity_id TEXT NOT NULL,
			op TEXT NOT NULL CHECK(op IN ('create', 'update', 'delete')),
			payload JSON,
			base_version INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('pending', 'syncing', 'synced', 'failed')),
			attempts INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS mutation_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			mutation_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			cycle_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		// One outstanding mutation per entity, enforced in the schema itself.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_outstanding
			ON mutations(entity_type, entity_id)
			WHERE status IN ('pending', 'syncing');`,
		`CREATE INDEX IF NOT EXISTS idx_mutations_claimable ON mutations(status, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_events_mutation ON mutation_events(mutation_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_events_type ON mutation_events(event_type, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cached_entities_window ON cached_entities(entity_type, last_modified);`,
		`CREATE INDEX IF NOT EXISTS idx_cached_entities_expiry ON cached_entities(expires_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func canTransition(from, to MutationStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func scanMutation(scanFn func(dest ...any) error, m *QueuedMutation) error {
	var payload sql.NullString
	var lastError sql.NullString
	var superseded int
	if err := scanFn(
		&m.ID,
		&m.EntityType,
		&m.EntityID,
		&m.Op,
		&payload,
		&m.BaseVersion,
		&m.Status,
		&m.Attempts,
		&superseded,
		&m.AvailableAt,
		&lastError,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return err
	}
	if payload.Valid {
		m.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	m.Superseded = superseded == 1
	return nil
}

const mutationColumns = `
	id, entity_type, entity_id, op, payload, base_version, status,
	attempts, superseded, available_at, last_error, created_at, updated_at`

func (s *Store) appendMutationEventTx(ctx context.Context, tx *sql.Tx, m *QueuedMutation, from, to MutationStatus, eventType, detail string) error {
	if detail == "" {
		detail = "{}"
	}
	traceID := shared.TraceID(ctx)
	cycleID := shared.CycleID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_events (mutation_id, entity_type, entity_id, cycle_id, trace_id, event_type, state_from, state_to, detail, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, m.ID, m.EntityType, m.EntityID, cycleID, traceID, eventType, string(from), string(to), shared.Redact(detail))
	if err != nil {
		return fmt.Errorf("insert mutation_event: %w", err)
	}
	return nil
}

// transitionMutationTx moves a mutation between states, recording the event.
// Returns false without error when the row is missing or not in an allowed
// source state (another path got there first).
func (s *Store) transitionMutationTx(ctx context.Context, tx *sql.Tx, mutationID string, allowedFrom []MutationStatus, to MutationStatus, eventType, detail string) (bool, error) {
	var m QueuedMutation
	row := tx.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?;`, mutationID)
	if err := scanMutation(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select mutation for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, m.Status) {
		return false, nil
	}
	if !canTransition(m.Status, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", m.Status, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mutations
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, mutationID, m.Status)
	if err != nil {
		return false, fmt.Errorf("update mutation transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendMutationEventTx(ctx, tx, &m, m.Status, to, eventType, detail); err != nil {
		return false, err
	}
	s.publishStateChange(&m, m.Status, to)
	return true, nil
}

func (s *Store) publishStateChange(m *QueuedMutation, from, to MutationStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicMutationStateChanged, bus.MutationStateChangedEvent{
		MutationID: m.ID,
		EntityType: string(m.EntityType),
		EntityID:   m.EntityID,
		OldStatus:  string(from),
		NewStatus:  string(to),
	})
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// retryDelay computes the backoff before the given attempt may redispatch:
// min(base * 2^(attempt-1), cap) plus deterministic jitter derived from the
// mutation id, so tests and event trails are reproducible.
func retryDelay(mutationID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := retryBaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= retryMaxDelay {
			base = retryMaxDelay
			break
		}
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(mutationID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

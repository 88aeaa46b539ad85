package persistence

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStoreOpts(t, Options{})
}

func openTestStoreOpts(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tripsync.db")
	s, err := Open(path, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRecordsSchemaLedger(t *testing.T) {
	s := openTestStore(t)

	var version int
	var checksum string
	err := s.db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != schemaVersionLatest {
		t.Errorf("ledger version = %d, want %d", version, schemaVersionLatest)
	}
	if checksum != schemaChecksumLatest {
		t.Errorf("ledger checksum = %q, want %q", checksum, schemaChecksumLatest)
	}

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripsync.db")
	s1, err := Open(path, nil, Options{})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := Open(path, nil, Options{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	_ = s2.Close()
}

func TestOpenRejectsFutureSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripsync.db")
	s, err := Open(path, nil, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(path, nil, Options{}); err == nil {
		t.Fatal("expected error opening db with future schema version")
	}
}

func TestOpenRejectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripsync.db")
	s, err := Open(path, nil, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(path, nil, Options{}); err == nil {
		t.Fatal("expected error opening db with mismatched schema checksum")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]MutationStatus{
		{StatusPending, StatusSyncing},
		{StatusPending, StatusSynced},
		{StatusPending, StatusFailed},
		{StatusSyncing, StatusSynced},
		{StatusSyncing, StatusPending},
		{StatusSyncing, StatusFailed},
	}
	for _, pair := range allowed {
		if !canTransition(pair[0], pair[1]) {
			t.Errorf("canTransition(%s, %s) = false, want true", pair[0], pair[1])
		}
	}
	denied := [][2]MutationStatus{
		{StatusSynced, StatusPending},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusSyncing},
		{StatusPending, StatusPending},
	}
	for _, pair := range denied {
		if canTransition(pair[0], pair[1]) {
			t.Errorf("canTransition(%s, %s) = true, want false", pair[0], pair[1])
		}
	}
}

func TestRetryDelayDeterministicAndBounded(t *testing.T) {
	d1 := retryDelay("m-1", 1)
	d2 := retryDelay("m-1", 1)
	if d1 != d2 {
		t.Errorf("retryDelay not deterministic: %v vs %v", d1, d2)
	}
	if d1 < retryBaseDelay {
		t.Errorf("attempt 1 delay %v below base %v", d1, retryBaseDelay)
	}

	prevBase := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay("m-growth", attempt)
		if d > retryMaxDelay {
			t.Errorf("attempt %d delay %v exceeds cap %v", attempt, d, retryMaxDelay)
		}
		if d < prevBase && d != retryMaxDelay {
			t.Errorf("attempt %d delay %v shrank below prior base %v", attempt, d, prevBase)
		}
		if attempt <= 6 {
			prevBase = retryBaseDelay << uint(attempt-1)
		}
	}
}

func TestValidEntityType(t *testing.T) {
	for _, et := range []EntityType{EntityMessage, EntityTask, EntityEvent} {
		if !ValidEntityType(et) {
			t.Errorf("ValidEntityType(%q) = false, want true", et)
		}
	}
	if ValidEntityType("trip") {
		t.Error(`ValidEntityType("trip") = true, want false`)
	}
}

// Package audit keeps an append-only JSONL record of the sync decisions a
// user might later dispute: conflicts where a local edit was discarded and
// mutations that exhausted their retry budget.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/tripsync/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	MutationID string `json:"mutation_id,omitempty"`
	Winner     string `json:"winner,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Actions recorded in the audit trail.
const (
	ActionConflictResolved = "conflict_resolved"
	ActionLocalEditDropped = "local_edit_dropped"
	ActionRetriesExhausted = "retries_exhausted"
)

var (
	mu           sync.Mutex
	file         *os.File
	droppedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DroppedCount returns the number of discarded local edits since startup.
func DroppedCount() int64 {
	return droppedCount.Load()
}

func Record(action, entityType, entityID, mutationID, winner, reason string) {
	if action == ActionLocalEditDropped {
		droppedCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		MutationID: mutationID,
		Winner:     winner,
		Reason:     reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

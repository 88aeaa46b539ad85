package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/tripsync/internal/config"
	"github.com/basket/tripsync/internal/persistence"
)

type statusReport struct {
	Mode            string                 `json:"mode"`
	DBPath          string                 `json:"db_path"`
	Queue           persistence.QueueStats `json:"queue"`
	CachedEntities  int                    `json:"cached_entities"`
	LastDrainAt     string                 `json:"last_drain_at,omitempty"`
	LastDrainCycle  string                 `json:"last_drain_cycle,omitempty"`
	LastPurgeAt     string                 `json:"last_purge_at,omitempty"`
	FailedMutations []failedMutation       `json:"failed_mutations,omitempty"`
}

type failedMutation struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Op         string `json:"op"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error"`
}

// runStatusCommand prints the queue census and sync checkpoints.
func runStatusCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: tripsync status [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Fprintln(os.Stderr, "no config.yaml yet; run the daemon once to bootstrap it")
		return 1
	}

	store, err := persistence.Open(cfg.DBPath, nil, persistence.Options{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		CacheWindowDays: cfg.Cache.WindowDays,
		FailedKeep:      cfg.Cache.FailedKeep,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	report, err := collectStatus(ctx, &cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("mode:            %s\n", report.Mode)
	fmt.Printf("database:        %s\n", report.DBPath)
	fmt.Printf("cached entities: %d\n", report.CachedEntities)
	fmt.Printf("queue:           %d pending, %d syncing, %d failed (%d synced)\n",
		report.Queue.Pending, report.Queue.Syncing, report.Queue.Failed, report.Queue.Synced)
	if report.LastDrainAt != "" {
		fmt.Printf("last drain:      %s (cycle %s)\n", report.LastDrainAt, report.LastDrainCycle)
	} else {
		fmt.Println("last drain:      never")
	}
	if report.LastPurgeAt != "" {
		fmt.Printf("last purge:      %s\n", report.LastPurgeAt)
	}
	for _, fm := range report.FailedMutations {
		fmt.Printf("  failed: %s %s/%s %s after %d attempts: %s\n",
			fm.ID, fm.EntityType, fm.EntityID, fm.Op, fm.Attempts, fm.LastError)
	}
	return 0
}

func collectStatus(ctx context.Context, cfg *config.Config, store *persistence.Store) (statusReport, error) {
	report := statusReport{Mode: cfg.Mode, DBPath: cfg.DBPath}

	stats, err := store.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("queue census: %w", err)
	}
	report.Queue = stats

	n, err := store.CacheCount(ctx)
	if err != nil {
		return report, fmt.Errorf("cache count: %w", err)
	}
	report.CachedEntities = n

	if at, ok, err := store.KVGetTime(ctx, persistence.KeyLastDrainAt); err != nil {
		return report, fmt.Errorf("read checkpoint: %w", err)
	} else if ok {
		report.LastDrainAt = at.Format(time.RFC3339)
	}
	if id, ok, err := store.KVGet(ctx, persistence.KeyLastDrainCycleID); err != nil {
		return report, fmt.Errorf("read checkpoint: %w", err)
	} else if ok {
		report.LastDrainCycle = id
	}
	if at, ok, err := store.KVGetTime(ctx, persistence.KeyLastPurgeAt); err != nil {
		return report, fmt.Errorf("read checkpoint: %w", err)
	} else if ok {
		report.LastPurgeAt = at.Format(time.RFC3339)
	}

	failed, err := store.ListFailed(ctx, 10)
	if err != nil {
		return report, fmt.Errorf("list failed: %w", err)
	}
	for _, m := range failed {
		report.FailedMutations = append(report.FailedMutations, failedMutation{
			ID:         m.ID,
			EntityType: string(m.EntityType),
			EntityID:   m.EntityID,
			Op:         string(m.Op),
			Attempts:   m.Attempts,
			LastError:  m.LastError,
		})
	}
	return report, nil
}

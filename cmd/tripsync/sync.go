package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/tripsync/internal/audit"
	"github.com/basket/tripsync/internal/bus"
	"github.com/basket/tripsync/internal/config"
	"github.com/basket/tripsync/internal/persistence"
	"github.com/basket/tripsync/internal/syncer"
	"github.com/basket/tripsync/internal/telemetry"
)

// runSyncCommand runs a single drain cycle against the configured backend
// and prints the cycle report.
func runSyncCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tripsync sync")
		return 2
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

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus, persistence.Options{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		CacheWindowDays: cfg.Cache.WindowDays,
		FailedKeep:      cfg.Cache.FailedKeep,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if _, err := store.ReclaimSyncing(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reclaim in-flight rows: %v\n", err)
		return 1
	}

	registry, err := buildRegistry(&cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend init: %v\n", err)
		return 1
	}

	driver := syncer.New(store, registry, eventBus, logger, nil, nil, syncer.Options{
		BatchSize:       cfg.Sync.BatchSize,
		Concurrency:     cfg.Sync.Concurrency,
		DispatchTimeout: cfg.DispatchTimeout(),
	})

	report, err := driver.DrainOnce(ctx, syncer.TriggerManual)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}

	fmt.Printf("cycle %s: claimed=%d drained=%d conflicts=%d failures=%d requeued=%d in %s\n",
		report.CycleID, report.Claimed, report.Drained, report.Conflicts,
		report.Failures, report.Requeued, report.Elapsed.Round(time.Millisecond))
	if report.Failures > 0 {
		return 1
	}
	return 0
}

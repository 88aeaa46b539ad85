package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/tripsync/internal/config"
	"github.com/basket/tripsync/internal/janitor"
	"github.com/basket/tripsync/internal/persistence"
	"github.com/basket/tripsync/internal/telemetry"
)

// runPurgeCommand runs one retention pass: drop expired cache rows and cap
// the terminal-failure backlog.
func runPurgeCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tripsync purge")
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

	jan, err := janitor.New(janitor.Config{Store: store, Schedule: cfg.Janitor.Schedule, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "janitor init: %v\n", err)
		return 1
	}
	jan.RunOnce(ctx)

	n, err := store.CacheCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache count: %v\n", err)
		return 1
	}
	fmt.Printf("retention pass complete, %d cached entities remain\n", n)
	return 0
}

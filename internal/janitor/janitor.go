// Package janitor runs scheduled maintenance on the local store: purging
// cache snapshots past the retention window and capping the terminal failed
// queue entries.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tripsync/internal/otel"
	"github.com/basket/tripsync/internal/persistence"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the janitor.
type Config struct {
	Store *persistence.Store
	// Schedule is a cron expression for the purge pass. Defaults to @hourly.
	Schedule string
	Logger   *slog.Logger
	Metrics  *otel.Metrics // optional
}

// Janitor fires the purge pass on its cron schedule.
type Janitor struct {
	store    *persistence.Store
	schedule cronlib.Schedule
	logger   *slog.Logger
	metrics  *otel.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the schedule and builds a Janitor.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@hourly"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    cfg.Store,
		schedule: schedule,
		logger:   logger.With("component", "janitor"),
		metrics:  cfg.Metrics,
	}, nil
}

// Start begins the schedule loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_run", j.schedule.Next(time.Now()))
}

// Stop cancels the schedule loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single purge pass. Exported so the CLI can force one.
func (j *Janitor) RunOnce(ctx context.Context) {
	purged, err := j.store.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("cache purge failed", "error", err)
		return
	}
	capped, err := j.store.CapFailed(ctx, 0)
	if err != nil {
		j.logger.Error("failed-entry cap failed", "error", err)
		return
	}
	if err := j.store.KVSetTime(ctx, persistence.KeyLastPurgeAt, time.Now().UTC()); err != nil {
		j.logger.Warn("writing purge checkpoint failed", "error", err)
	}
	if j.metrics != nil && purged > 0 {
		j.metrics.CachePurged.Add(ctx, purged)
	}
	if purged > 0 || capped > 0 {
		j.logger.Info("purge pass completed", "snapshots_purged", purged, "failed_capped", capped)
	}
}

// Package syncer runs the drain cycle: it claims pending mutations from the
// durable queue, dispatches them to the remote, and settles each outcome
// (confirm, retry, or conflict resolution). One cycle runs at a time; triggers
// arriving mid-cycle coalesce into a single follow-up cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tripsync/internal/audit"
	"github.com/basket/tripsync/internal/bus"
	"github.com/basket/tripsync/internal/otel"
	"github.com/basket/tripsync/internal/persistence"
	"github.com/basket/tripsync/internal/remote"
	"github.com/basket/tripsync/internal/resolver"
	"github.com/basket/tripsync/internal/shared"
	"github.com/basket/tripsync/internal/validate"
)

// Cycle triggers, recorded in checkpoints and the completion event.
const (
	TriggerTimer      = "timer"
	TriggerReconnect  = "reconnect"
	TriggerForeground = "foreground"
	TriggerManual     = "manual"
	TriggerEnqueue    = "enqueue"
	TriggerFollowUp   = "follow_up"
	TriggerBusRequest = "bus_request"
	TriggerStartup    = "startup"
)

// ErrDrainInProgress is returned by DrainOnce when a cycle is already running.
var ErrDrainInProgress = errors.New("drain cycle already in progress")

// Options tunes the driver. Zero values fall back to defaults.
type Options struct {
	// Interval between timer-triggered cycles. 0 disables the timer.
	Interval time.Duration
	// BatchSize caps how many mutations one claim pass takes.
	BatchSize int
	// Concurrency bounds parallel dispatches within a cycle.
	Concurrency int
	// DispatchTimeout bounds a single remote call.
	DispatchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	return o
}

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	CycleID   string        `json:"cycle_id"`
	Trigger   string        `json:"trigger"`
	Claimed   int           `json:"claimed"`
	Drained   int           `json:"drained"`
	Conflicts int           `json:"conflicts"`
	Failures  int           `json:"failures"`
	Requeued  int           `json:"requeued"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Driver owns the drain loop.
type Driver struct {
	store     *persistence.Store
	registry  *remote.Registry
	eventBus  *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	opts      Options
	validator *validate.Validator

	draining  atomic.Bool
	triggerCh chan string
	lastDepth atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Driver. tracer and metrics may be nil; a noop tracer is
// substituted and metric recording is skipped.
func New(store *persistence.Store, registry *remote.Registry, eventBus *bus.Bus, logger *slog.Logger, tracer trace.Tracer, metrics *otel.Metrics, opts Options) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Driver{
		store:     store,
		registry:  registry,
		eventBus:  eventBus,
		logger:    logger.With("component", "syncer"),
		tracer:    tracer,
		metrics:   metrics,
		opts:      opts.withDefaults(),
		triggerCh: make(chan string, 1),
	}
}

// Trigger requests a drain cycle. Safe from any goroutine. If a cycle is
// running, at most one follow-up is queued regardless of how many triggers
// arrive; the queued cycle picks up everything enqueued in the meantime.
func (d *Driver) Trigger(reason string) {
	select {
	case d.triggerCh <- reason:
	default:
		// A cycle is already queued; this trigger rides along with it.
	}
}

// Start reclaims stranded entries, launches the drain loop, and wires bus
// triggers. Stop with Stop.
func (d *Driver) Start(ctx context.Context) error {
	reclaimed, err := d.store.ReclaimSyncing(ctx)
	if err != nil {
		return fmt.Errorf("reclaim syncing mutations: %w", err)
	}
	if reclaimed > 0 {
		d.logger.Info("reclaimed in-flight mutations from previous run", "count", reclaimed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.eventBus != nil {
		d.wireBusTriggers(runCtx)
	}

	d.wg.Add(1)
	go d.run(runCtx)

	d.Trigger(TriggerStartup)
	return nil
}

// Stop cancels the drain loop and waits for the in-flight cycle to finish.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Driver) wireBusTriggers(ctx context.Context) {
	routes := map[string]string{
		bus.TopicConnectivityRestored: TriggerReconnect,
		bus.TopicAppForegrounded:      TriggerForeground,
		bus.TopicSyncRequested:        TriggerBusRequest,
	}
	for topic, reason := range routes {
		sub := d.eventBus.Subscribe(topic)
		d.wg.Add(1)
		go func(sub *bus.Subscription, reason string) {
			defer d.wg.Done()
			defer d.eventBus.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-sub.Ch():
					if !ok {
						return
					}
					d.Trigger(reason)
				}
			}
		}(sub, reason)
	}
}

func (d *Driver) run(ctx context.Context) {
	defer d.wg.Done()

	var tick <-chan time.Time
	if d.opts.Interval > 0 {
		ticker := time.NewTicker(d.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-d.triggerCh:
			if _, err := d.DrainOnce(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("drain cycle failed", "trigger", reason, "error", err)
			}
		case <-tick:
			if _, err := d.DrainOnce(ctx, TriggerTimer); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("drain cycle failed", "trigger", TriggerTimer, "error", err)
			}
		}
	}
}

// DrainOnce runs a single drain cycle to completion. Returns
// ErrDrainInProgress when another cycle holds the guard.
func (d *Driver) DrainOnce(ctx context.Context, trigger string) (CycleReport, error) {
	if !d.draining.CompareAndSwap(false, true) {
		d.Trigger(TriggerFollowUp)
		return CycleReport{}, ErrDrainInProgress
	}
	defer d.draining.Store(false)

	cycleID := shared.NewCycleID()
	ctx = shared.WithCycleID(ctx, cycleID)
	report := CycleReport{CycleID: cycleID, Trigger: trigger}
	started := time.Now()

	ctx, span := otel.StartSpan(ctx, d.tracer, "syncer.drain_cycle",
		otel.AttrCycleID.String(cycleID),
		otel.AttrTrigger.String(trigger),
	)
	defer span.End()
	if d.metrics != nil {
		d.metrics.ActiveCycles.Add(ctx, 1)
		defer d.metrics.ActiveCycles.Add(ctx, -1)
	}

	for {
		batch, err := d.store.ClaimBatch(ctx, d.opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("claim batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		report.Claimed += len(batch)
		d.dispatchBatch(ctx, batch, &report)
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	report.Elapsed = time.Since(started)
	d.finishCycle(ctx, report)
	return report, nil
}

// dispatchBatch fans the claimed mutations out to a bounded worker pool and
// folds per-mutation outcomes into the report.
func (d *Driver) dispatchBatch(ctx context.Context, batch []persistence.QueuedMutation, report *CycleReport) {
	type outcome struct {
		drained  bool
		conflict bool
		failed   bool
		requeued bool
	}
	results := make([]outcome, len(batch))

	sem := make(chan struct{}, d.opts.Concurrency)
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			o := &results[i]
			drained, conflict, requeued, err := d.dispatchOne(ctx, &batch[i])
			if err != nil {
				o.failed = true
				return
			}
			o.drained = drained
			o.conflict = conflict
			o.requeued = requeued
		}(i)
	}
	wg.Wait()

	for _, o := range results {
		if o.drained {
			report.Drained++
		}
		if o.conflict {
			report.Conflicts++
		}
		if o.failed {
			report.Failures++
		}
		if o.requeued {
			report.Requeued++
		}
	}
}

// dispatchOne pushes a single mutation through dispatch, conflict resolution,
// and queue settlement. The returned error means the dispatch failed and was
// handed to the retry policy; it is already logged and accounted.
func (d *Driver) dispatchOne(ctx context.Context, m *persistence.QueuedMutation) (drained, conflict, requeued bool, err error) {
	log := d.logger.With("mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID, "op", m.Op)

	ctx, span := otel.StartClientSpan(ctx, d.tracer, "syncer.dispatch",
		otel.AttrMutationID.String(m.ID),
		otel.AttrEntityType.String(string(m.EntityType)),
		otel.AttrEntityID.String(m.EntityID),
		otel.AttrOp.String(string(m.Op)),
		otel.AttrAttempt.Int(m.Attempts+1),
	)
	defer span.End()

	dispatcher, lookupErr := d.registry.Lookup(string(m.EntityType), string(m.Op))
	if lookupErr != nil {
		return false, false, false, d.recordFailure(ctx, log, m, lookupErr)
	}

	started := time.Now()
	res, dispatchErr := d.dispatch(ctx, dispatcher, remote.Request{
		EntityID:    m.EntityID,
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
	})
	if d.metrics != nil {
		d.metrics.DispatchDuration.Record(ctx, time.Since(started).Seconds())
	}
	if dispatchErr != nil || res.Status == remote.StatusFailure {
		if dispatchErr == nil {
			dispatchErr = errors.New("remote reported failure")
		}
		return false, false, false, d.recordFailure(ctx, log, m, dispatchErr)
	}

	switch res.Status {
	case remote.StatusSuccess:
		span.SetAttributes(otel.AttrOutcome.String("success"))
		requeued, err = d.confirm(ctx, log, m, res.Version, res.Payload, res.LastModified)
		return err == nil && !requeued, false, requeued, err
	case remote.StatusConflict:
		span.SetAttributes(otel.AttrOutcome.String("conflict"))
		drained, requeued, err = d.resolveConflict(ctx, log, m, res)
		return drained, true, requeued, err
	default:
		return false, false, false, d.recordFailure(ctx, log, m, fmt.Errorf("unknown dispatch status %q", res.Status))
	}
}

func (d *Driver) dispatch(ctx context.Context, dispatcher remote.Dispatcher, req remote.Request) (remote.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	defer cancel()
	return dispatcher.Dispatch(callCtx, req)
}

// confirm settles a successful dispatch: refresh the cache with the
// authoritative state, then retire (or requeue, if superseded) the entry.
func (d *Driver) confirm(ctx context.Context, log *slog.Logger, m *persistence.QueuedMutation, version int64, remotePayload []byte, lastModified time.Time) (requeued bool, err error) {
	if m.Op == persistence.OpDelete {
		if err := d.store.DeleteEntity(ctx, m.EntityType, m.EntityID); err != nil {
			return false, fmt.Errorf("drop cached snapshot: %w", err)
		}
	} else {
		payload := remotePayload
		if payload == nil {
			payload = m.Payload
		}
		if err := d.store.PutEntity(ctx, persistence.CachedEntity{
			EntityType:   m.EntityType,
			ID:           m.EntityID,
			Payload:      payload,
			Version:      version,
			LastModified: lastModified,
		}); err != nil {
			return false, fmt.Errorf("refresh cached snapshot: %w", err)
		}
	}

	requeued, err = d.store.MarkSynced(ctx, m.ID, fmt.Sprintf(`{"remote_version":%d}`, version))
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	if requeued {
		log.Info("mutation superseded in flight, requeued merged write")
		return true, nil
	}
	if d.metrics != nil {
		d.metrics.MutationsDrained.Add(ctx, 1)
	}
	log.Debug("mutation synced", "remote_version", version)
	return false, nil
}

// resolveConflict applies last-write-wins between the rejected local write
// and the remote snapshot the rejection carried.
func (d *Driver) resolveConflict(ctx context.Context, log *slog.Logger, m *persistence.QueuedMutation, res remote.Result) (drained, requeued bool, err error) {
	decision := resolver.Resolve(
		resolver.Candidate{Payload: m.Payload, Version: m.BaseVersion, LastModified: m.UpdatedAt},
		resolver.Candidate{Payload: res.Payload, Version: res.Version, LastModified: res.LastModified},
	)
	if d.metrics != nil {
		d.metrics.ConflictsResolved.Add(ctx, 1)
	}
	d.publishConflict(m, decision, res.Version)
	audit.Record(auditAction(decision.Winner), string(m.EntityType), m.EntityID, m.ID,
		string(decision.Winner), decision.Reason)
	log.Info("conflict resolved", "winner", decision.Winner, "reason", decision.Reason,
		"base_version", m.BaseVersion, "remote_version", res.Version)

	if decision.Winner == resolver.WinnerRemote {
		// The remote copy stands: cache it and drop the local edit.
		if res.Payload != nil {
			if err := d.store.PutEntity(ctx, persistence.CachedEntity{
				EntityType:   m.EntityType,
				ID:           m.EntityID,
				Payload:      res.Payload,
				Version:      res.Version,
				LastModified: res.LastModified,
			}); err != nil {
				return false, false, fmt.Errorf("cache remote winner: %w", err)
			}
		}
		if _, err := d.store.MarkDropped(ctx, m.ID,
			fmt.Sprintf(`{"winner":"remote","reason":%q,"remote_version":%d}`, decision.Reason, res.Version)); err != nil {
			return false, false, fmt.Errorf("mark dropped: %w", err)
		}
		if d.metrics != nil {
			d.metrics.MutationsDrained.Add(ctx, 1)
		}
		return true, false, nil
	}

	// Local wins: push the surviving payload past the precondition with the
	// bumped version.
	dispatcher, lookupErr := d.registry.Lookup(string(m.EntityType), string(m.Op))
	if lookupErr != nil {
		return false, false, d.recordFailure(ctx, log, m, lookupErr)
	}
	forced, forceErr := d.dispatch(ctx, dispatcher, remote.Request{
		EntityID:    m.EntityID,
		Payload:     decision.Payload,
		BaseVersion: decision.Version,
		Force:       true,
	})
	if forceErr != nil || forced.Status != remote.StatusSuccess {
		if forceErr == nil {
			forceErr = fmt.Errorf("forced dispatch returned %s", forced.Status)
		}
		return false, false, d.recordFailure(ctx, log, m, forceErr)
	}
	requeued, err = d.confirm(ctx, log, m, forced.Version, decision.Payload, forced.LastModified)
	return err == nil && !requeued, requeued, err
}

func auditAction(winner resolver.Winner) string {
	if winner == resolver.WinnerRemote {
		return audit.ActionLocalEditDropped
	}
	return audit.ActionConflictResolved
}

func (d *Driver) recordFailure(ctx context.Context, log *slog.Logger, m *persistence.QueuedMutation, cause error) error {
	if d.metrics != nil {
		d.metrics.DispatchErrors.Add(ctx, 1)
	}
	decision, err := d.store.HandleDispatchFailure(ctx, m.ID, cause.Error())
	if err != nil {
		log.Error("recording dispatch failure failed", "cause", cause, "error", err)
		return fmt.Errorf("record dispatch failure: %w", err)
	}
	switch decision.Outcome {
	case persistence.FailureOutcomeExhausted:
		audit.Record(audit.ActionRetriesExhausted, string(m.EntityType), m.EntityID, m.ID, "", cause.Error())
		log.Warn("mutation exhausted retry budget", "attempts", decision.Attempt, "cause", cause)
	default:
		log.Info("dispatch failed, retry scheduled",
			"attempt", decision.Attempt, "max_attempts", decision.MaxAttempts,
			"backoff_until", decision.BackoffUntil, "cause", cause)
	}
	return cause
}

func (d *Driver) publishConflict(m *persistence.QueuedMutation, decision resolver.Decision, remoteVersion int64) {
	if d.eventBus == nil {
		return
	}
	d.eventBus.Publish(bus.TopicMutationConflict, bus.MutationConflictEvent{
		MutationID:    m.ID,
		EntityType:    string(m.EntityType),
		EntityID:      m.EntityID,
		Winner:        string(decision.Winner),
		LocalVersion:  m.BaseVersion,
		RemoteVersion: remoteVersion,
	})
}

func (d *Driver) finishCycle(ctx context.Context, report CycleReport) {
	if err := d.store.KVSetTime(ctx, persistence.KeyLastDrainAt, time.Now().UTC()); err != nil {
		d.logger.Warn("writing drain checkpoint failed", "error", err)
	}
	if err := d.store.KVSet(ctx, persistence.KeyLastDrainCycleID, report.CycleID); err != nil {
		d.logger.Warn("writing cycle checkpoint failed", "error", err)
	}

	if d.metrics != nil {
		d.metrics.CycleDuration.Record(ctx, report.Elapsed.Seconds())
		if stats, err := d.store.Stats(ctx); err == nil {
			depth := int64(stats.Pending + stats.Syncing)
			d.metrics.QueueDepth.Add(ctx, depth-d.lastDepth.Swap(depth))
		}
	}

	if d.eventBus != nil {
		d.eventBus.Publish(bus.TopicCycleCompleted, bus.CycleCompletedEvent{
			CycleID:   report.CycleID,
			Trigger:   report.Trigger,
			Drained:   report.Drained,
			Conflicts: report.Conflicts,
			Failures:  report.Failures,
		})
	}

	if report.Claimed > 0 || report.Failures > 0 {
		d.logger.Info("drain cycle completed",
			"cycle_id", report.CycleID, "trigger", report.Trigger,
			"claimed", report.Claimed, "drained", report.Drained,
			"conflicts", report.Conflicts, "failures", report.Failures,
			"requeued", report.Requeued, "elapsed_ms", report.Elapsed.Milliseconds())
	}
}

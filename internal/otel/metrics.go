package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all TripSync metrics instruments.
type Metrics struct {
	CycleDuration     metric.Float64Histogram
	DispatchDuration  metric.Float64Histogram
	MutationsDrained  metric.Int64Counter
	MutationsEnqueued metric.Int64Counter
	ConflictsResolved metric.Int64Counter
	DispatchErrors    metric.Int64Counter
	QueueDepth        metric.Int64UpDownCounter
	ActiveCycles      metric.Int64UpDownCounter
	CachePurged       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("tripsync.cycle.duration",
		metric.WithDescription("Drain cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("tripsync.dispatch.duration",
		metric.WithDescription("Remote dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsDrained, err = meter.Int64Counter("tripsync.mutations.drained",
		metric.WithDescription("Mutations reaching a terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsEnqueued, err = meter.Int64Counter("tripsync.mutations.enqueued",
		metric.WithDescription("Local writes recorded in the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("tripsync.conflicts.resolved",
		metric.WithDescription("Conflicts decided by the resolver"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("tripsync.dispatch.errors",
		metric.WithDescription("Remote dispatch failures"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("tripsync.queue.depth",
		metric.WithDescription("Mutations currently awaiting confirmation"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveCycles, err = meter.Int64UpDownCounter("tripsync.cycle.active",
		metric.WithDescription("Drain cycles currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.CachePurged, err = meter.Int64Counter("tripsync.cache.purged",
		metric.WithDescription("Expired cache snapshots removed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

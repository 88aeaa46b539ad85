package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for TripSync spans.
var (
	AttrCycleID    = attribute.Key("tripsync.cycle.id")
	AttrTrigger    = attribute.Key("tripsync.cycle.trigger")
	AttrMutationID = attribute.Key("tripsync.mutation.id")
	AttrEntityType = attribute.Key("tripsync.entity.type")
	AttrEntityID   = attribute.Key("tripsync.entity.id")
	AttrOp         = attribute.Key("tripsync.mutation.op")
	AttrAttempt    = attribute.Key("tripsync.mutation.attempt")
	AttrWinner     = attribute.Key("tripsync.conflict.winner")
	AttrOutcome    = attribute.Key("tripsync.dispatch.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (remote dispatch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

package syncer

import (
	"context"
	"time"

	"github.com/basket/tripsync/internal/persistence"
	"github.com/basket/tripsync/internal/validate"
)

// The methods in this file are the hosting app's surface: queue a local
// write, read the cache, inspect the queue. Everything else on Driver is
// drain-cycle machinery.

// SetValidator installs payload schema validation on Enqueue. Optional;
// without it payloads are accepted as-is.
func (d *Driver) SetValidator(v *validate.Validator) {
	d.validator = v
}

// Enqueue validates and queues a local write, then nudges the drain loop so
// the write goes out as soon as the backend is reachable. The local cache is
// updated optimistically; the drain cycle overwrites it with the
// authoritative state on confirmation.
func (d *Driver) Enqueue(ctx context.Context, op persistence.WriteOp) (*persistence.QueuedMutation, error) {
	if d.validator != nil && op.Op != persistence.OpDelete {
		if err := d.validator.Payload(string(op.EntityType), op.Payload); err != nil {
			return nil, err
		}
	}

	m, err := d.store.Enqueue(ctx, op)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.MutationsEnqueued.Add(ctx, 1)
	}

	switch op.Op {
	case persistence.OpDelete:
		if err := d.store.DeleteEntity(ctx, op.EntityType, op.EntityID); err != nil {
			d.logger.Warn("optimistic cache delete failed", "entity_id", op.EntityID, "error", err)
		}
	default:
		if err := d.store.PutEntity(ctx, persistence.CachedEntity{
			EntityType:   op.EntityType,
			ID:           op.EntityID,
			Payload:      op.Payload,
			Version:      op.BaseVersion,
			LastModified: time.Now().UTC(),
		}); err != nil {
			d.logger.Warn("optimistic cache write failed", "entity_id", op.EntityID, "error", err)
		}
	}

	d.Trigger(TriggerEnqueue)
	return m, nil
}

// Get reads an entity from the local cache. Returns (nil, nil) when the
// entity is not cached or its snapshot expired.
func (d *Driver) Get(ctx context.Context, entityType persistence.EntityType, id string) (*persistence.CachedEntity, error) {
	return d.store.GetEntity(ctx, entityType, id)
}

// ListRecent reads the cached entities of one type inside the offline window,
// newest first.
func (d *Driver) ListRecent(ctx context.Context, entityType persistence.EntityType) ([]persistence.CachedEntity, error) {
	return d.store.ListRecent(ctx, entityType, 0)
}

// Stats returns the queue census.
func (d *Driver) Stats(ctx context.Context) (persistence.QueueStats, error) {
	return d.store.Stats(ctx)
}

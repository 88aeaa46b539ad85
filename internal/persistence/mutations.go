package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/tripsync/internal/bus"
	"github.com/google/uuid"
)

// WriteOp is the input to Enqueue: one local write awaiting remote confirmation.
type WriteOp struct {
	EntityType  EntityType
	EntityID    string
	Op          Op
	Payload     []byte
	BaseVersion int64
}

// FailureOutcome tags what HandleDispatchFailure decided.
type FailureOutcome string

const (
	FailureOutcomeRetried   FailureOutcome = "RETRIED"
	FailureOutcomeExhausted FailureOutcome = "EXHAUSTED"
)

// FailureDecision reports the retry/terminal decision for a failed dispatch.
type FailureDecision struct {
	Outcome      FailureOutcome `json:"outcome"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
}

// Enqueue records a local write in the durable queue. If the entity already
// has an outstanding (pending or syncing) entry, the write coalesces into it
// so the entity never has two independent entries in flight:
//
//   - delete over a still-pending local create cancels both: the entry is
//     retired without ever dispatching, because the remote never saw the
//     entity. Delete over an in-flight create instead becomes the entry's
//     next shape and redispatches once the create settles.
//   - update over create keeps the create (with the newer payload); update
//     over update supersedes the payload; delete over update becomes delete.
//   - create over any outstanding entry, and update over a queued delete,
//     fail with ErrInvalidOperationSequence.
func (s *Store) Enqueue(ctx context.Context, op WriteOp) (*QueuedMutation, error) {
	if !ValidEntityType(op.EntityType) {
		return nil, fmt.Errorf("invalid entity type %q", op.EntityType)
	}
	if op.EntityID == "" {
		return nil, fmt.Errorf("entity id required")
	}
	switch op.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("invalid op %q", op.Op)
	}

	var result *QueuedMutation
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := s.outstandingForEntityTx(ctx, tx, op.EntityType, op.EntityID)
		if err != nil {
			return err
		}

		if existing == nil {
			m, err := s.insertMutationTx(ctx, tx, op)
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit enqueue tx: %w", err)
			}
			result = m
			return nil
		}

		m, err := s.coalesceTx(ctx, tx, existing, op)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit coalesce tx: %w", err)
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) outstandingForEntityTx(ctx context.Context, tx *sql.Tx, entityType EntityType, entityID string) (*QueuedMutation, error) {
	var m QueuedMutation
	row := tx.QueryRowContext(ctx, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?);
	`, entityType, entityID, StatusPending, StatusSyncing)
	if err := scanMutation(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select outstanding mutation: %w", err)
	}
	return &m, nil
}

func (s *Store) insertMutationTx(ctx context.Context, tx *sql.Tx, op WriteOp) (*QueuedMutation, error) {
	m := &QueuedMutation{
		ID:          uuid.NewString(),
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Op:          op.Op,
		Payload:     op.Payload,
		BaseVersion: op.BaseVersion,
		Status:      StatusPending,
	}
	var payload any
	if op.Payload != nil {
		payload = string(op.Payload)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mutations (id, entity_type, entity_id, op, payload, base_version, status, attempts, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, m.ID, m.EntityType, m.EntityID, m.Op, payload, m.BaseVersion, StatusPending); err != nil {
		return nil, fmt.Errorf("insert mutation: %w", err)
	}
	if err := s.appendMutationEventTx(ctx, tx, m, "", StatusPending, EventEnqueued, fmt.Sprintf(`{"op":%q}`, m.Op)); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) coalesceTx(ctx context.Context, tx *sql.Tx, existing *QueuedMutation, op WriteOp) (*QueuedMutation, error) {
	if op.Op == OpCreate {
		return nil, fmt.Errorf("%w: create for %s/%s with outstanding %s", ErrInvalidOperationSequence, op.EntityType, op.EntityID, existing.Op)
	}
	if existing.Op == OpDelete {
		if op.Op == OpDelete {
			// Idempotent: the delete is already queued.
			return existing, nil
		}
		return nil, fmt.Errorf("%w: update for %s/%s with outstanding delete", ErrInvalidOperationSequence, op.EntityType, op.EntityID)
	}

	// Locally-created-then-locally-deleted entities never reach the remote:
	// retire the still-pending create without a dispatch.
	if existing.Op == OpCreate && op.Op == OpDelete && existing.Status == StatusPending {
		ok, err := s.transitionMutationTx(ctx, tx, existing.ID,
			[]MutationStatus{StatusPending}, StatusSynced,
			EventCancelled, `{"reason":"create_cancelled_by_delete"}`)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("cancel create for %s/%s: entry moved", op.EntityType, op.EntityID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ? AND status = ?;`, existing.ID, StatusSynced); err != nil {
			return nil, fmt.Errorf("delete cancelled mutation: %w", err)
		}
		out := *existing
		out.Status = StatusSynced
		return &out, nil
	}

	mergedOp := existing.Op
	var mergedPayload []byte
	switch op.Op {
	case OpUpdate:
		// Update over create stays a create; update over update supersedes.
		mergedPayload = op.Payload
	case OpDelete:
		mergedOp = OpDelete
		mergedPayload = nil
	}

	superseded := 0
	if existing.Status == StatusSyncing {
		// The prior shape is in flight; flag it so the driver requeues the
		// merged shape instead of confirming the stale one.
		superseded = 1
	}

	var payload any
	if mergedPayload != nil {
		payload = string(mergedPayload)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE mutations
		SET op = ?, payload = ?, superseded = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, mergedOp, payload, superseded, existing.ID); err != nil {
		return nil, fmt.Errorf("coalesce mutation: %w", err)
	}
	if err := s.appendMutationEventTx(ctx, tx, existing, existing.Status, existing.Status, EventCoalesced,
		fmt.Sprintf(`{"merged_op":%q,"incoming_op":%q,"in_flight":%t}`, mergedOp, op.Op, superseded == 1)); err != nil {
		return nil, err
	}

	out := *existing
	out.Op = mergedOp
	out.Payload = mergedPayload
	out.Superseded = superseded == 1
	return &out, nil
}

// ClaimBatch atomically flips up to max due pending mutations to syncing and
// returns them ordered by creation time. Concurrent drain attempts never
// double-claim: the flip happens inside one transaction on the single
// connection, guarded by the status check in each transition.
func (s *Store) ClaimBatch(ctx context.Context, max int) ([]QueuedMutation, error) {
	if max <= 0 || max > 500 {
		max = 50
	}
	var claimed []QueuedMutation
	err := retryOnBusy(ctx, 5, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+mutationColumns+`
			FROM mutations
			WHERE status = ? AND available_at <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, StatusPending, max)
		if err != nil {
			return fmt.Errorf("select claimable mutations: %w", err)
		}
		var candidates []QueuedMutation
		for rows.Next() {
			var m QueuedMutation
			if err := scanMutation(rows.Scan, &m); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable mutation: %w", err)
			}
			candidates = append(candidates, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("claimable rows: %w", err)
		}
		rows.Close()

		for i := range candidates {
			ok, err := s.transitionMutationTx(ctx, tx, candidates[i].ID,
				[]MutationStatus{StatusPending}, StatusSyncing,
				EventClaimed, `{"reason":"drain_claim"}`)
			if err != nil {
				return fmt.Errorf("claim transition: %w", err)
			}
			if !ok {
				continue
			}
			candidates[i].Status = StatusSyncing
			claimed = append(claimed, candidates[i])
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSynced confirms a dispatched mutation. The entry is recorded in the
// event trail and then deleted; the queue only holds unfinished work. If the
// entry was superseded by a coalesced write while in flight it is requeued
// instead, and requeued=true is returned.
func (s *Store) MarkSynced(ctx context.Context, mutationID, detail string) (requeued bool, err error) {
	return s.finishMutation(ctx, mutationID, EventSynced, detail)
}

// MarkDropped retires a mutation whose conflict the remote won. Terminal like
// MarkSynced, but the event trail records the drop so the discarded local
// edit stays observable for debugging.
func (s *Store) MarkDropped(ctx context.Context, mutationID, detail string) (requeued bool, err error) {
	return s.finishMutation(ctx, mutationID, EventDropped, detail)
}

func (s *Store) finishMutation(ctx context.Context, mutationID, eventType, detail string) (requeued bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		requeued = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var superseded int
		if err := tx.QueryRowContext(ctx, `
			SELECT superseded FROM mutations WHERE id = ? AND status = ?;
		`, mutationID, StatusSyncing).Scan(&superseded); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMutationNotClaimed
			}
			return fmt.Errorf("read superseded flag: %w", err)
		}

		if superseded == 1 {
			ok, err := s.transitionMutationTx(ctx, tx, mutationID,
				[]MutationStatus{StatusSyncing}, StatusPending,
				EventRequeued, `{"reason":"superseded_in_flight"}`)
			if err != nil {
				return err
			}
			if !ok {
				return ErrMutationNotClaimed
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE mutations
				SET superseded = 0, available_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, mutationID, StatusPending); err != nil {
				return fmt.Errorf("clear superseded flag: %w", err)
			}
			requeued = true
			return tx.Commit()
		}

		ok, err := s.transitionMutationTx(ctx, tx, mutationID,
			[]MutationStatus{StatusSyncing}, StatusSynced, eventType, detail)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMutationNotClaimed
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ? AND status = ?;`, mutationID, StatusSynced); err != nil {
			return fmt.Errorf("delete synced mutation: %w", err)
		}
		return tx.Commit()
	})
	return requeued, err
}

// HandleDispatchFailure applies the retry/backoff decision after a failed
// remote dispatch: requeue with exponential backoff below the attempt cap,
// terminal failed status at it. The failed entry stays in the table (capped
// by CapFailed) so nothing is silently lost.
func (s *Store) HandleDispatchFailure(ctx context.Context, mutationID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status MutationStatus
		var attempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT status, attempts FROM mutations WHERE id = ?;
		`, mutationID).Scan(&status, &attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMutationNotClaimed
			}
			return fmt.Errorf("select mutation for failure: %w", err)
		}
		if status != StatusSyncing {
			return ErrMutationNotClaimed
		}

		nextAttempt := attempts + 1
		maxAttempts := s.opts.MaxAttempts
		decision = FailureDecision{
			Attempt:     nextAttempt,
			MaxAttempts: maxAttempts,
		}

		if nextAttempt >= maxAttempts {
			ok, err := s.transitionMutationTx(ctx, tx, mutationID,
				[]MutationStatus{StatusSyncing}, StatusFailed,
				EventExhausted,
				fmt.Sprintf(`{"reason":"attempt_cap","attempt":%d,"max_attempts":%d}`, nextAttempt, maxAttempts))
			if err != nil {
				return err
			}
			if !ok {
				return ErrMutationNotClaimed
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE mutations
				SET attempts = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, nextAttempt, errMsg, mutationID, StatusFailed); err != nil {
				return fmt.Errorf("update failed metadata: %w", err)
			}
			decision.Outcome = FailureOutcomeExhausted
			return tx.Commit()
		}

		delay := retryDelay(mutationID, nextAttempt)
		availableAt := time.Now().UTC().Add(delay)
		decision.Outcome = FailureOutcomeRetried
		decision.BackoffUntil = &availableAt

		ok, err := s.transitionMutationTx(ctx, tx, mutationID,
			[]MutationStatus{StatusSyncing}, StatusPending,
			EventRequeued,
			fmt.Sprintf(`{"reason":"retry_scheduled","attempt":%d,"max_attempts":%d,"delay_ms":%d}`, nextAttempt, maxAttempts, delay.Milliseconds()))
		if err != nil {
			return err
		}
		if !ok {
			return ErrMutationNotClaimed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutations
			SET attempts = ?, available_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, nextAttempt, availableAt, errMsg, mutationID, StatusPending); err != nil {
			return fmt.Errorf("update retry metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}
	if s.bus != nil && decision.Outcome == FailureOutcomeExhausted {
		s.bus.Publish(bus.TopicMutationExhausted, map[string]any{
			"mutation_id": mutationID,
			"attempts":    decision.Attempt,
		})
	}
	return decision, nil
}

// ReclaimSyncing resets entries stuck in syncing back to pending. Run at
// startup: an aborted drain cycle may have died between claiming and
// recording a terminal status.
func (s *Store) ReclaimSyncing(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM mutations WHERE status = ?;`, StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("query syncing mutations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan syncing mutation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("syncing rows: %w", err)
	}
	rows.Close()

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionMutationTx(ctx, tx, id,
			[]MutationStatus{StatusSyncing}, StatusPending,
			EventReclaimed, `{"reason":"startup_reclaim"}`)
		if err != nil {
			return 0, fmt.Errorf("reclaim transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutations
			SET superseded = 0, available_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, StatusPending); err != nil {
			return 0, fmt.Errorf("reset reclaimed mutation: %w", err)
		}
		reclaimed++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reclaim tx: %w", err)
	}
	return reclaimed, nil
}

// Stats returns the queue census. Synced is cumulative over the event trail.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'syncing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM mutations;
	`)
	if err := row.Scan(&stats.Pending, &stats.Syncing, &stats.Failed); err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM mutation_events WHERE event_type IN (?, ?, ?);
	`, EventSynced, EventDropped, EventCancelled).Scan(&stats.Synced); err != nil {
		return stats, fmt.Errorf("synced count: %w", err)
	}
	return stats, nil
}

// CapFailed retains only the newest keep terminal failed entries. keep <= 0
// uses the configured cap. Returns the number of rows removed.
func (s *Store) CapFailed(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = s.opts.FailedKeep
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mutations
		WHERE status = ? AND id NOT IN (
			SELECT id FROM mutations WHERE status = ?
			ORDER BY updated_at DESC, id DESC
			LIMIT ?
		);
	`, StatusFailed, StatusFailed, keep)
	if err != nil {
		return 0, fmt.Errorf("cap failed mutations: %w", err)
	}
	return res.RowsAffected()
}

// GetMutation returns a queue entry by id, or (nil, nil) when absent.
func (s *Store) GetMutation(ctx context.Context, mutationID string) (*QueuedMutation, error) {
	var m QueuedMutation
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?;`, mutationID)
	if err := scanMutation(row.Scan, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	return &m, nil
}

// ListFailed returns terminal failed entries, newest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]QueuedMutation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM mutations
		WHERE status = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?;
	`, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed mutations: %w", err)
	}
	defer rows.Close()

	var out []QueuedMutation
	for rows.Next() {
		var m QueuedMutation
		if err := scanMutation(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan failed mutation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed mutation rows: %w", err)
	}
	return out, nil
}

// ListMutationEvents returns the event trail for one mutation in order.
func (s *Store) ListMutationEvents(ctx context.Context, mutationID string) ([]MutationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, mutation_id, entity_type, entity_id,
			COALESCE(cycle_id, ''), COALESCE(trace_id, ''),
			event_type, COALESCE(state_from, ''), state_to, detail, created_at
		FROM mutation_events
		WHERE mutation_id = ?
		ORDER BY event_id ASC;
	`, mutationID)
	if err != nil {
		return nil, fmt.Errorf("list mutation events: %w", err)
	}
	defer rows.Close()

	var out []MutationEvent
	for rows.Next() {
		var e MutationEvent
		var stateFrom string
		if err := rows.Scan(&e.EventID, &e.MutationID, &e.EntityType, &e.EntityID,
			&e.CycleID, &e.TraceID, &e.EventType, &stateFrom, &e.StateTo, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mutation event: %w", err)
		}
		e.StateFrom = MutationStatus(stateFrom)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mutation event rows: %w", err)
	}
	return out, nil
}

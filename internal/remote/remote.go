// Package remote defines the boundary between the sync core and the backend.
// The driver never talks to the network itself; it hands each mutation to a
// registered Dispatcher and interprets the tri-state result.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the dispatch outcome.
type Status string

const (
	// StatusSuccess means the remote accepted the write.
	StatusSuccess Status = "success"
	// StatusConflict means the remote rejected the write because its copy of
	// the entity is newer than the mutation's base version.
	StatusConflict Status = "conflict"
	// StatusFailure means the dispatch did not complete (network error,
	// server error, timeout). Failures are retryable.
	StatusFailure Status = "failure"
)

// Result is what a Dispatcher reports back.
type Result struct {
	Status Status
	// Version is the authoritative entity version after the call: the new
	// version on success, the current remote version on conflict.
	Version int64
	// Payload is the authoritative remote snapshot. Set on conflict so the
	// resolver has both sides; optionally set on success when the remote
	// echoes the stored state.
	Payload []byte
	// LastModified is the remote-side modification time, when known.
	LastModified time.Time
}

// Request is one dispatch: a single mutation applied to a single entity.
type Request struct {
	EntityID    string
	Payload     []byte
	BaseVersion int64
	// Force skips the remote's version precondition. Set after a conflict
	// resolves in the local write's favor.
	Force bool
}

// ErrNoDispatcher is returned when no dispatcher is registered for an
// entity type and operation pair.
var ErrNoDispatcher = errors.New("no dispatcher registered")

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, req Request) (Result, error)

// Dispatcher applies one mutation against the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

func (f DispatchFunc) Dispatch(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type routeKey struct {
	entityType string
	op         string
}

// Registry maps (entity type, operation) pairs to dispatchers. The hosting
// app registers one dispatcher per route at startup; the driver looks them
// up per mutation.
type Registry struct {
	mu     sync.RWMutex
	routes map[routeKey]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[routeKey]Dispatcher)}
}

// Register installs d for the given entity type and operation, replacing any
// prior registration for the route.
func (r *Registry) Register(entityType, op string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{entityType, op}] = d
}

// RegisterFunc is Register for a bare function.
func (r *Registry) RegisterFunc(entityType, op string, f DispatchFunc) {
	r.Register(entityType, op, f)
}

// Lookup returns the dispatcher for a route.
func (r *Registry) Lookup(entityType, op string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.routes[routeKey{entityType, op}]
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoDispatcher, entityType, op)
	}
	return d, nil
}

// Routes returns the registered (entityType, op) pairs, for diagnostics.
func (r *Registry) Routes() [][2]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][2]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, [2]string{k.entityType, k.op})
	}
	return out
}

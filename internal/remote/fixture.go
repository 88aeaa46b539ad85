package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fixture is an in-memory authoritative store used by the demo and
// offline-fixture modes and by tests. It enforces the same version
// precondition a real backend would: a write whose base version trails the
// stored version comes back as a conflict carrying the stored snapshot.
type Fixture struct {
	mu      sync.Mutex
	entries map[string]fixtureEntry

	// FailNext makes the next n dispatches fail, simulating an outage.
	failNext int
}

type fixtureEntry struct {
	payload      []byte
	version      int64
	lastModified time.Time
}

func NewFixture() *Fixture {
	return &Fixture{entries: make(map[string]fixtureEntry)}
}

// Seed installs an entity snapshot directly, bypassing version checks.
func (f *Fixture) Seed(entityID string, payload []byte, version int64, lastModified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entityID] = fixtureEntry{payload: payload, version: version, lastModified: lastModified}
}

// FailNext makes the next n dispatches return StatusFailure.
func (f *Fixture) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// Get returns the stored snapshot, for test assertions.
func (f *Fixture) Get(entityID string) ([]byte, int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[entityID]
	if !ok {
		return nil, 0, false
	}
	return e.payload, e.version, true
}

func (f *Fixture) takeFailure() bool {
	if f.failNext > 0 {
		f.failNext--
		return true
	}
	return false
}

// Create registers the create route handler.
func (f *Fixture) Create(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeFailure() {
		return Result{Status: StatusFailure}, fmt.Errorf("fixture: simulated outage")
	}
	if e, exists := f.entries[req.EntityID]; exists && !req.Force {
		return Result{Status: StatusConflict, Version: e.version, Payload: e.payload, LastModified: e.lastModified}, nil
	}
	now := time.Now().UTC()
	f.entries[req.EntityID] = fixtureEntry{payload: req.Payload, version: 1, lastModified: now}
	return Result{Status: StatusSuccess, Version: 1, LastModified: now}, nil
}

// Update registers the update route handler.
func (f *Fixture) Update(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeFailure() {
		return Result{Status: StatusFailure}, fmt.Errorf("fixture: simulated outage")
	}
	e, exists := f.entries[req.EntityID]
	if !exists {
		return Result{Status: StatusFailure}, fmt.Errorf("fixture: entity %s not found", req.EntityID)
	}
	if !req.Force && req.BaseVersion < e.version {
		return Result{Status: StatusConflict, Version: e.version, Payload: e.payload, LastModified: e.lastModified}, nil
	}
	now := time.Now().UTC()
	next := e.version + 1
	if req.Force && req.BaseVersion > e.version {
		next = req.BaseVersion
	}
	f.entries[req.EntityID] = fixtureEntry{payload: req.Payload, version: next, lastModified: now}
	return Result{Status: StatusSuccess, Version: next, LastModified: now}, nil
}

// Delete registers the delete route handler. Deleting a missing entity
// succeeds: the desired end state already holds.
func (f *Fixture) Delete(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeFailure() {
		return Result{Status: StatusFailure}, fmt.Errorf("fixture: simulated outage")
	}
	e, exists := f.entries[req.EntityID]
	if !exists {
		return Result{Status: StatusSuccess, Version: req.BaseVersion, LastModified: time.Now().UTC()}, nil
	}
	if !req.Force && req.BaseVersion < e.version {
		return Result{Status: StatusConflict, Version: e.version, Payload: e.payload, LastModified: e.lastModified}, nil
	}
	delete(f.entries, req.EntityID)
	return Result{Status: StatusSuccess, Version: e.version, LastModified: time.Now().UTC()}, nil
}

// RegisterAll installs the fixture's handlers for every operation of the
// given entity types.
func (f *Fixture) RegisterAll(r *Registry, entityTypes ...string) {
	for _, et := range entityTypes {
		r.RegisterFunc(et, "create", f.Create)
		r.RegisterFunc(et, "update", f.Update)
		r.RegisterFunc(et, "delete", f.Delete)
	}
}

package bus

// Sync trigger topics. Publishing any of these nudges the sync driver into a
// drain cycle (coalesced if one is already running).
const (
	TopicConnectivityRestored = "connectivity.restored"
	TopicConnectivityLost     = "connectivity.lost"
	TopicAppForegrounded      = "app.foregrounded"
	TopicSyncRequested        = "sync.requested"
)

// Sync outcome topics.
const (
	TopicMutationStateChanged = "mutation.state_changed"
	TopicMutationConflict     = "mutation.conflict"
	TopicMutationExhausted    = "mutation.exhausted"
	TopicCycleCompleted       = "sync.cycle_completed"
)

// ConnectivityEvent is published when the reachability probe observes a change.
type ConnectivityEvent struct {
	Online  bool   // true when the remote became reachable
	Probe   string // probe endpoint URL
	Latency int64  // dial latency in milliseconds, 0 when offline
}

// MutationStateChangedEvent is published when a queued mutation's status changes.
type MutationStateChangedEvent struct {
	MutationID string // queue entry id
	EntityType string // message, task, event
	EntityID   string // entity the mutation targets
	OldStatus  string // previous status (e.g. pending)
	NewStatus  string // new status (e.g. syncing)
}

// MutationConflictEvent is published when the resolver decides a conflict.
type MutationConflictEvent struct {
	MutationID    string // queue entry id
	EntityType    string // entity type
	EntityID      string // entity id
	Winner        string // "local" or "remote"
	LocalVersion  int64  // version the local mutation was based on
	RemoteVersion int64  // authoritative version reported by the remote
}

// CycleCompletedEvent is published at the end of every drain cycle.
type CycleCompletedEvent struct {
	CycleID   string // drain cycle id
	Trigger   string // what started the cycle (timer, reconnect, manual, ...)
	Drained   int    // mutations that reached a terminal outcome this cycle
	Conflicts int    // conflicts resolved this cycle
	Failures  int    // dispatches that failed this cycle
}

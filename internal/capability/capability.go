// Package capability gates optional app features on the running mode,
// per-feature config overrides, and the requesting user. The hosting app
// asks before exposing a feature; the answer is deterministic for a given
// (feature, config, user) triple.
package capability

import (
	"sort"

	"github.com/basket/tripsync/internal/config"
)

// State is the gate's answer for one feature.
type State string

const (
	// StateAvailable means the feature can be exposed.
	StateAvailable State = "available"
	// StateUnavailable means the feature is disabled by config or mode, or
	// the name is not registered.
	StateUnavailable State = "unavailable"
	// StatePending means the feature is announced but not yet launched in
	// this mode; surfaces render it as "coming soon" rather than hiding it.
	StatePending State = "pending"
)

// Known features and their state in live mode. Demo and fixture modes make
// everything available so development and product demos never hit a
// half-configured backend.
var features = map[string]struct {
	liveState State
}{
	"offline_edits":   {liveState: StateAvailable},
	"group_chat":      {liveState: StateAvailable},
	"itinerary_map":   {liveState: StateAvailable},
	"shared_expenses": {liveState: StatePending}, // staged rollout, announced in-app
	"trip_export":     {liveState: StatePending},
}

// Known returns the registered feature names, sorted.
func Known() []string {
	out := make([]string, 0, len(features))
	for name := range features {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check resolves the state of a feature for a user under the given config.
// Config overrides ("on"/"off") beat mode defaults; "default" and absence
// fall through to them. The user is part of the lookup key so per-user
// rollout cohorts can slot in, though the current table is user-agnostic.
func Check(feature string, cfg config.Config, user string) State {
	meta, ok := features[feature]
	if !ok {
		return StateUnavailable
	}

	if override, present := cfg.Features[feature]; present {
		switch override {
		case "on":
			return StateAvailable
		case "off":
			return StateUnavailable
		}
		// "default" falls through.
	}

	switch cfg.Mode {
	case config.ModeDemo, config.ModeOfflineFixture:
		return StateAvailable
	}
	return meta.liveState
}

// Enabled is Check collapsed to a boolean; pending and unavailable are both
// not-enabled.
func Enabled(feature string, cfg config.Config, user string) bool {
	return Check(feature, cfg, user) == StateAvailable
}

// Package host defines the host data model and the lifecycle transition
// graph shared by every other kuroko component.
//
// The transition table in this file is the single source of truth for which
// state changes are legal. The lifecycle manager refuses anything not listed
// here with an *InvalidTransitionError; it never coerces a request into the
// closest legal transition.
package host

import (
	"fmt"
	"sort"
)

// State is a host lifecycle state.
type State string

const (
	StatePending      State = "PENDING"
	StateProvisioning State = "PROVISIONING"
	StateRunning      State = "RUNNING"
	StateIdlePaused   State = "IDLE_PAUSED"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateDestroying   State = "DESTROYING"
	StateDestroyed    State = "DESTROYED"
	StateFailed       State = "FAILED"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StatePending, StateProvisioning, StateRunning, StateIdlePaused,
	StateStopping, StateStopped, StateDestroying, StateDestroyed, StateFailed,
}

var transitions = map[State][]State{
	StatePending:      {StateProvisioning, StateFailed, StateDestroying},
	StateProvisioning: {StateRunning, StateFailed, StateDestroying},
	StateRunning:      {StateIdlePaused, StateStopping, StateDestroying},
	StateIdlePaused:   {StateRunning, StateStopping, StateDestroying},
	StateStopping:     {StateStopped, StateDestroying, StateFailed},
	StateStopped:      {StateProvisioning, StateDestroying},
	StateDestroying:   {StateDestroyed, StateFailed},
	StateFailed:       {StateDestroying},
	StateDestroyed:    nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Intermediate reports whether s only exists while an operation is in
// flight. A host observed in an intermediate state with no lock held was
// interrupted.
func (s State) Intermediate() bool {
	switch s {
	case StateProvisioning, StateStopping, StateDestroying:
		return true
	}
	return false
}

// Active reports whether the host is consuming compute (running or paused).
func (s State) Active() bool {
	return s == StateRunning || s == StateIdlePaused
}

// ValidTransition reports whether from -> to is an edge of the graph.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s in one step, sorted.
func Next(s State) []State {
	out := append([]State(nil), transitions[s]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanRevert reports whether a host that entered the intermediate state mid
// from pre may be put back to pre after the provider call failed.
func CanRevert(pre, mid State) bool {
	return mid.Intermediate() && ValidTransition(pre, mid)
}

// ValidWalk checks that states is a walk of the transition graph, allowing
// the revert edges recorded after failed provider calls. It returns the
// index of the first offending step, or -1.
func ValidWalk(states []State) int {
	for i := 1; i < len(states); i++ {
		from, to := states[i-1], states[i]
		if ValidTransition(from, to) {
			continue
		}
		if i >= 2 && from.Intermediate() && states[i-2] == to && CanRevert(to, from) {
			continue
		}
		return i
	}
	return -1
}

// InvalidTransitionError is returned when an operation is not legal from
// the host's current state.
type InvalidTransitionError struct {
	HostID string
	From   State
	To     State
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("host %s: %s not allowed from %s (would enter %s)", e.HostID, e.Op, e.From, e.To)
	}
	return fmt.Sprintf("host %s: invalid transition %s -> %s", e.HostID, e.From, e.To)
}

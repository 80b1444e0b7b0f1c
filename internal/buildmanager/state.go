package buildmanager

import "sync/atomic"

// State is the lifecycle state of a single build run.
type State int

const (
	// StateUnknown is the zero value for functions that return a (possibly
	// absent) State.
	StateUnknown State = iota

	// StateIdle indicates no work has been done for the request yet.
	StateIdle

	// StateValidating indicates the identity is being validated and the lock
	// acquired.
	StateValidating

	// StateRejected indicates the request was refused before any resources
	// were used, e.g. invalid identity or identity already locked.
	StateRejected

	// StateSpawning indicates the lock is held, logs are being reset and the
	// build script is being started.
	StateSpawning

	// StateStreaming indicates the build script is running and its output is
	// being drained.
	StateStreaming

	// StateCompleting indicates both output streams ended naturally and the
	// exit status is being collected.
	StateCompleting

	// StateTimedOut indicates the watchdog fired and the build was killed.
	StateTimedOut

	// StateFailed indicates the build could not be started or the run failed
	// for a reason other than the script's own exit code.
	StateFailed
)

// NOTE: This slice needs to be kept in sync with the State values above.
var states = []string{
	"Unknown",
	"Idle",
	"Validating",
	"Rejected",
	"Spawning",
	"Streaming",
	"Completing",
	"TimedOut",
	"Failed",
}

// String implements the Stringer interface for State.
func (s State) String() string {
	if int(s) < 0 || int(s) >= len(states) {
		return states[0]
	}

	return states[s]
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCompleting, StateTimedOut, StateFailed:
		return true
	default:
		return false
	}
}

// transitions lists the legal moves of the run state machine.
var transitions = map[State][]State{
	StateIdle:       {StateValidating},
	StateValidating: {StateRejected, StateSpawning},
	StateSpawning:   {StateStreaming, StateFailed},
	StateStreaming:  {StateCompleting, StateTimedOut, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// AtomicState wraps an atomic.Int32 to provide atomic operations on a State.
type AtomicState struct {
	v atomic.Int32
}

// Load atomically loads the State value.
func (a *AtomicState) Load() State {
	return State(a.v.Load())
}

// Store atomically stores the State value.
func (a *AtomicState) Store(s State) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap of an old and new State.
func (a *AtomicState) CompareAndSwap(o, n State) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// Transition moves from the current state to next. It returns an
// InvalidStateError if next is not reachable from the current state or the
// state changed concurrently.
func (a *AtomicState) Transition(next State) error {
	current := a.Load()

	if !canTransition(current, next) || !a.CompareAndSwap(current, next) {
		return NewInvalidStateError(current, next)
	}

	return nil
}

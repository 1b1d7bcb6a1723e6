package checkpoint

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an invocation state change the
// state machine does not allow. It indicates a runner bug, not a
// recoverable condition.
var ErrInvalidTransition = errors.New("invalid invocation state transition")

// InvocationState models the lifecycle of a single invocation:
//
//	Started → Running → {Checkpointed → Running}* → {Completed | Paused | Failed}
//
// Paused re-enters Running only via an explicit resume that loads the
// latest checkpoint. Failed is terminal unless a rewind to a prior
// checkpoint re-enters Running. Pause survives process restarts
// because the position is persisted, not suspended in a goroutine.
type InvocationState string

const (
	StateStarted      InvocationState = "started"
	StateRunning      InvocationState = "running"
	StateCheckpointed InvocationState = "checkpointed"
	StateCompleted    InvocationState = "completed"
	StatePaused       InvocationState = "paused"
	StateFailed       InvocationState = "failed"
)

// Terminal reports whether the state ends the invocation's task.
// Paused is terminal for the running task but resumable later.
func (s InvocationState) Terminal() bool {
	switch s {
	case StateCompleted, StatePaused, StateFailed:
		return true
	}
	return false
}

var transitions = map[InvocationState][]InvocationState{
	StateStarted:      {StateRunning, StateFailed},
	StateRunning:      {StateCheckpointed, StateCompleted, StatePaused, StateFailed},
	StateCheckpointed: {StateRunning, StateCompleted, StatePaused, StateFailed},
	StatePaused:       {StateRunning},
	StateFailed:       {StateRunning}, // via rewind only
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to InvocationState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new state.
func Transition(from, to InvocationState) (InvocationState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

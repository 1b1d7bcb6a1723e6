package runner

import (
	"github.com/aixgo-dev/statekit/pkg/checkpoint"
	"github.com/aixgo-dev/statekit/pkg/session"
)

// EventType classifies stream events emitted by Run.
type EventType string

const (
	// EventDelta reports a committed state delta.
	EventDelta EventType = "delta"
	// EventCheckpoint reports a saved checkpoint.
	EventCheckpoint EventType = "checkpoint"
	// EventStatus reports an invocation state change. The terminal
	// status event is always the last event on the stream.
	EventStatus EventType = "status"
)

// Event is one element of the invocation event stream. Callers (a CLI
// or web layer) iterate the stream to display progress and the final
// outcome.
type Event struct {
	Type EventType `json:"type"`

	// SessionID identifies the session the invocation runs on. Set on
	// every event; callers who let Run create the session learn its id
	// from here.
	SessionID string `json:"session_id"`

	// Delta is set for EventDelta, sequence assigned.
	Delta *session.StateDelta `json:"delta,omitempty"`

	// CheckpointIndex is set for EventCheckpoint, and on the paused
	// status event so the caller knows the resume point.
	CheckpointIndex uint64 `json:"checkpoint_index,omitempty"`

	// Status is set for EventStatus.
	Status checkpoint.InvocationState `json:"status,omitempty"`
	// PauseReason describes the pending approval when Status is
	// paused.
	PauseReason string `json:"pause_reason,omitempty"`
	// LastSequence is the last committed delta sequence at the time of
	// a status event.
	LastSequence uint64 `json:"last_sequence,omitempty"`
	// Err is the terminal error for a failed status event.
	Err error `json:"-"`

	// Output is step output, carried on delta-free steps via status
	// running events and on the completed event.
	Output string `json:"output,omitempty"`
}

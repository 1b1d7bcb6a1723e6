package runner

import (
	"context"
	"errors"
	"fmt"
)

// StepRequest is the input to a single execution step.
type StepRequest struct {
	// Position is the zero-based index of the step in the invocation's
	// step sequence. After a resume it continues where the latest
	// checkpoint left off.
	Position int
	// Input is the invocation input, passed through opaquely.
	Input any
	// State is the session's current state view, scope-prefixed keys
	// included. Ephemeral keys written by earlier steps of this
	// invocation are visible here even though they are never persisted.
	State map[string]any
	// AgentState is the opaque blob from the latest checkpoint, or nil
	// on a fresh start.
	AgentState []byte
}

// StepResult is the outcome of a single execution step.
type StepResult struct {
	// Delta maps scope-prefixed state keys to new values. Applied
	// atomically per key through the event log; ephemeral keys only
	// update the in-memory view.
	Delta map[string]any
	// Output is step output surfaced to the event stream consumer.
	Output string
	// Done marks the invocation complete after this step.
	Done bool
	// Pause suspends the invocation after this step; it transitions to
	// paused and must be resumed explicitly. Used for
	// human-in-the-loop approval gates.
	Pause bool
	// PauseReason describes the pending approval for the caller.
	PauseReason string
	// Checkpoint requests a checkpoint at this step boundary,
	// independent of the runner's periodic interval.
	Checkpoint bool
	// AgentState is the opaque agent-internal state to persist with
	// the next checkpoint.
	AgentState []byte
}

// Stepper is the external collaborator capability: an opaque async
// function that runs one computation step, which may itself be an LLM
// call, a tool call, or a multi-step sub-invocation. The runner never
// interprets what a step does; it only persists the deltas and
// checkpoints around it.
type Stepper interface {
	Step(ctx context.Context, req StepRequest) (*StepResult, error)
}

// StepperFunc adapts a function to the Stepper interface.
type StepperFunc func(ctx context.Context, req StepRequest) (*StepResult, error)

// Step calls f.
func (f StepperFunc) Step(ctx context.Context, req StepRequest) (*StepResult, error) {
	return f(ctx, req)
}

// transientStepError marks a collaborator failure as retryable.
type transientStepError struct{ err error }

func (e *transientStepError) Error() string { return e.err.Error() }
func (e *transientStepError) Unwrap() error { return e.err }

// Transient wraps a step error so the runner retries the step instead
// of failing the invocation. Collaborators tag timeouts and other
// recoverable failures with it; untagged errors are fatal.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientStepError{err: err}
}

// IsTransient reports whether a step error was tagged retryable.
func IsTransient(err error) bool {
	var t *transientStepError
	return errors.As(err, &t)
}

// StepFailedError is returned when a step exhausts its retries or
// fails fatally. LastSequence tells the caller exactly how much state
// survived.
type StepFailedError struct {
	// Position is the failing step's index.
	Position int
	// Attempts is how many times the step was tried.
	Attempts int
	// LastSequence is the last successfully committed delta sequence.
	LastSequence uint64
	// Err is the final step error.
	Err error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %d failed after %d attempt(s), last committed sequence %d: %v",
		e.Position, e.Attempts, e.LastSequence, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

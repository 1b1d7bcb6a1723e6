// Package runner orchestrates invocations: it loads a session, drives
// the external collaborator step by step, commits state deltas through
// the event log, and saves checkpoints so execution can pause, resume
// and rewind across process restarts.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/statekit/pkg/checkpoint"
	"github.com/aixgo-dev/statekit/pkg/eventlog"
	"github.com/aixgo-dev/statekit/pkg/observability"
	"github.com/aixgo-dev/statekit/pkg/session"
)

// ErrNoPendingInvocation is returned by Rewind when the session has no
// in-progress invocation to rewind.
var ErrNoPendingInvocation = errors.New("no pending invocation")

// cursor is the serialized agent position: the index of the last
// completed step. Opaque to the checkpointer.
type cursor struct {
	Position int `json:"position"`
}

// Runner executes invocations. Each Run call drives one invocation in
// its own goroutine; concurrent invocations on different sessions are
// independent, while a second invocation on the same session is
// rejected with session.ErrConcurrentInvocation.
type Runner struct {
	manager session.Manager
	log     *eventlog.Log
	ckpt    *checkpoint.Checkpointer
	agent   Stepper

	checkpointEvery int
	maxStepRetries  int
	retryBase       time.Duration
	limiter         *rate.Limiter
	tracer          trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpointEvery checkpoints every n steps in addition to
// agent-declared boundaries. n <= 0 disables periodic checkpoints.
// Default 1.
func WithCheckpointEvery(n int) Option {
	return func(r *Runner) { r.checkpointEvery = n }
}

// WithMaxStepRetries bounds retries of a single transiently failing
// step. Default 3 attempts total.
func WithMaxStepRetries(n int) Option {
	return func(r *Runner) { r.maxStepRetries = n }
}

// WithStepRate throttles collaborator calls across the invocation.
func WithStepRate(limit rate.Limit, burst int) Option {
	return func(r *Runner) { r.limiter = rate.NewLimiter(limit, burst) }
}

// WithRetryBase sets the base delay for step retry backoff.
func WithRetryBase(d time.Duration) Option {
	return func(r *Runner) { r.retryBase = d }
}

// New creates a Runner over the session manager, event log and
// checkpointer, which must share one store.
func New(manager session.Manager, log *eventlog.Log, ckpt *checkpoint.Checkpointer, agent Stepper, opts ...Option) *Runner {
	r := &Runner{
		manager:         manager,
		log:             log,
		ckpt:            ckpt,
		agent:           agent,
		checkpointEvery: 1,
		maxStepRetries:  3,
		retryBase:       100 * time.Millisecond,
		tracer:          otel.Tracer("statekit/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts (or resumes) an invocation on a session and returns its
// event stream. An empty sessionID creates a new session for the
// (app, user) pair. The stream ends with a terminal status event and
// is then closed. Cancelling ctx fails the invocation with a cancelled
// reason, releases the session lock and leaves the event log exactly
// as it was at the last committed delta.
func (r *Runner) Run(ctx context.Context, appID, userID, sessionID string, input any) (<-chan Event, error) {
	var sess *session.Session
	var err error
	if sessionID == "" {
		sess, err = r.manager.Create(ctx, appID, userID, "")
	} else {
		sess, err = r.manager.Get(ctx, appID, userID, sessionID)
	}
	if err != nil {
		return nil, err
	}

	release, err := r.manager.AcquireInvocation(appID, userID, sess.ID)
	if err != nil {
		return nil, err
	}

	// Resume point: a pending invocation with a checkpoint continues
	// after the checkpointed position; otherwise this is a fresh
	// invocation starting at step 0.
	invocationID, startPos, agentState, err := r.resumePoint(ctx, appID, userID, sess.ID)
	if err != nil {
		release()
		return nil, err
	}

	if err := r.manager.UpdateStatus(ctx, appID, userID, sess.ID, session.StatusActive); err != nil {
		release()
		return nil, err
	}

	events := make(chan Event, 16)
	go r.loop(ctx, events, release, sess, invocationID, startPos, agentState, input)
	return events, nil
}

// Resume continues a paused or failed invocation. It is Run under a
// name that states the intent; the session must already exist.
func (r *Runner) Resume(ctx context.Context, appID, userID, sessionID string, input any) (<-chan Event, error) {
	if sessionID == "" {
		return nil, session.ErrSessionNotFound
	}
	return r.Run(ctx, appID, userID, sessionID, input)
}

// Rewind restores a session's pending invocation to an earlier
// checkpoint, discarding later ones, and marks the session active so
// the next Resume re-enters the step loop from there.
func (r *Runner) Rewind(ctx context.Context, appID, userID, sessionID string, toIndex uint64) error {
	invocationID, err := r.ckpt.Current(ctx, appID, userID, sessionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			return ErrNoPendingInvocation
		}
		return err
	}
	if err := r.ckpt.Rewind(ctx, appID, userID, sessionID, invocationID, toIndex); err != nil {
		return err
	}
	return r.manager.UpdateStatus(ctx, appID, userID, sessionID, session.StatusActive)
}

func (r *Runner) resumePoint(ctx context.Context, appID, userID, sessionID string) (invocationID string, startPos int, agentState []byte, err error) {
	invocationID, err = r.ckpt.Current(ctx, appID, userID, sessionID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		invocationID = uuid.New().String()
		if err := r.ckpt.SetCurrent(ctx, appID, userID, sessionID, invocationID); err != nil {
			return "", 0, nil, err
		}
		return invocationID, 0, nil, nil
	}
	if err != nil {
		return "", 0, nil, err
	}

	cp, err := r.ckpt.LoadLatest(ctx, appID, userID, sessionID, invocationID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		// Invocation started but never checkpointed; replay from the
		// beginning. Committed deltas are idempotent under replay
		// because the materialized state is last-write-wins.
		return invocationID, 0, nil, nil
	}
	if err != nil {
		return "", 0, nil, err
	}

	var cur cursor
	if err := json.Unmarshal(cp.AgentPosition, &cur); err != nil {
		return "", 0, nil, fmt.Errorf("decode agent position: %w", err)
	}
	return invocationID, cur.Position + 1, cp.AgentState, nil
}

// emit delivers ev unless the consumer is gone.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) loop(ctx context.Context, events chan<- Event, release func(), sess *session.Session, invocationID string, startPos int, agentState []byte, input any) {
	defer close(events)
	defer release()

	appID, userID, sessionID := sess.AppID, sess.UserID, sess.ID

	ctx, span := r.tracer.Start(ctx, "statekit.invocation",
		trace.WithAttributes(
			attribute.String("statekit.app_id", appID),
			attribute.String("statekit.session_id", sessionID),
			attribute.String("statekit.invocation_id", invocationID),
		))
	defer span.End()

	// Working state view. Ephemeral keys live only here.
	state := make(map[string]any, len(sess.State))
	for k, v := range sess.State {
		state[k] = v
	}
	lastSeq := sess.LastSequence

	send := func(c context.Context, ev Event) bool {
		ev.SessionID = sessionID
		return emit(c, events, ev)
	}

	fail := func(err error) {
		// The invocation context may already be cancelled; the status
		// write must still land.
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if uerr := r.manager.UpdateStatus(bg, appID, userID, sessionID, session.StatusFailed); uerr != nil {
			err = errors.Join(err, uerr)
		}
		observability.RecordInvocation(string(checkpoint.StateFailed))
		send(bg, Event{
			Type:         EventStatus,
			Status:       checkpoint.StateFailed,
			Err:          err,
			LastSequence: lastSeq,
		})
	}

	stepsSinceCheckpoint := 0
	for pos := startPos; ; pos++ {
		if ctx.Err() != nil {
			fail(fmt.Errorf("invocation cancelled: %w", ctx.Err()))
			return
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				fail(fmt.Errorf("invocation cancelled: %w", err))
				return
			}
		}

		res, err := r.step(ctx, StepRequest{
			Position:   pos,
			Input:      input,
			State:      state,
			AgentState: agentState,
		}, lastSeq)
		if err != nil {
			fail(err)
			return
		}

		if err := r.applyDelta(ctx, send, appID, userID, sessionID, res.Delta, state, &lastSeq); err != nil {
			fail(err)
			return
		}
		if res.AgentState != nil {
			agentState = res.AgentState
		}

		var checkpointIndex uint64
		periodic := r.checkpointEvery > 0 && stepsSinceCheckpoint+1 >= r.checkpointEvery
		if res.Checkpoint || res.Pause || (periodic && !res.Done) {
			position, err := json.Marshal(cursor{Position: pos})
			if err != nil {
				fail(fmt.Errorf("encode agent position: %w", err))
				return
			}
			checkpointIndex, err = r.ckpt.Save(ctx, appID, userID, sessionID, invocationID, position, agentState)
			if err != nil {
				fail(fmt.Errorf("save checkpoint: %w", err))
				return
			}
			observability.RecordCheckpoint()
			stepsSinceCheckpoint = 0
			if !send(ctx, Event{Type: EventCheckpoint, CheckpointIndex: checkpointIndex}) {
				fail(fmt.Errorf("invocation cancelled: %w", ctx.Err()))
				return
			}
		} else {
			stepsSinceCheckpoint++
		}

		if res.Pause {
			if err := r.manager.UpdateStatus(ctx, appID, userID, sessionID, session.StatusPaused); err != nil {
				fail(err)
				return
			}
			observability.RecordInvocation(string(checkpoint.StatePaused))
			send(ctx, Event{
				Type:            EventStatus,
				Status:          checkpoint.StatePaused,
				PauseReason:     res.PauseReason,
				CheckpointIndex: checkpointIndex,
				LastSequence:    lastSeq,
			})
			return
		}

		if res.Done {
			if err := r.ckpt.Prune(ctx, appID, userID, sessionID, invocationID); err != nil {
				fail(err)
				return
			}
			if err := r.ckpt.ClearCurrent(ctx, appID, userID, sessionID); err != nil {
				fail(err)
				return
			}
			if err := r.manager.UpdateStatus(ctx, appID, userID, sessionID, session.StatusCompleted); err != nil {
				fail(err)
				return
			}
			observability.RecordInvocation(string(checkpoint.StateCompleted))
			send(ctx, Event{
				Type:         EventStatus,
				Status:       checkpoint.StateCompleted,
				Output:       res.Output,
				LastSequence: lastSeq,
			})
			return
		}
	}
}

// step runs one step with bounded retries for transient collaborator
// failures. Fatal errors and exhausted retries surface as
// *StepFailedError.
func (r *Runner) step(ctx context.Context, req StepRequest, lastSeq uint64) (*StepResult, error) {
	ctx, span := r.tracer.Start(ctx, "statekit.step",
		trace.WithAttributes(attribute.Int("statekit.position", req.Position)))
	defer span.End()

	delay := r.retryBase
	var err error
	for attempt := 1; ; attempt++ {
		var res *StepResult
		res, err = r.agent.Step(ctx, req)
		if err == nil {
			observability.RecordStep("ok")
			return res, nil
		}
		if !IsTransient(err) || attempt >= r.maxStepRetries {
			observability.RecordStep("error")
			return nil, &StepFailedError{
				Position:     req.Position,
				Attempts:     attempt,
				LastSequence: lastSeq,
				Err:          err,
			}
		}
		observability.RecordStepRetry()
		select {
		case <-ctx.Done():
			observability.RecordStep("error")
			return nil, &StepFailedError{
				Position:     req.Position,
				Attempts:     attempt,
				LastSequence: lastSeq,
				Err:          ctx.Err(),
			}
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// applyDelta commits a step's delta through the event log in
// deterministic key order and updates the working state view.
// Ephemeral keys update the view only.
func (r *Runner) applyDelta(ctx context.Context, send func(context.Context, Event) bool, appID, userID, sessionID string, delta map[string]any, state map[string]any, lastSeq *uint64) error {
	if len(delta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		scope, key := session.ParseScopedKey(k)
		value := delta[k]
		state[k] = value

		if scope == session.ScopeEphemeral {
			continue
		}

		d := session.StateDelta{
			Scope:     scope,
			Key:       key,
			Value:     value,
			Timestamp: time.Now().UTC(),
		}
		seq, err := r.log.Append(ctx, appID, userID, sessionID, d)
		if err != nil {
			return fmt.Errorf("append delta %q: %w", k, err)
		}
		d.SessionID = sessionID
		d.Sequence = seq
		*lastSeq = seq

		if !send(ctx, Event{Type: EventDelta, Delta: &d}) {
			return fmt.Errorf("invocation cancelled: %w", ctx.Err())
		}
	}
	return nil
}

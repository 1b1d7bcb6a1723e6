// Package checkpoint captures and restores invocation execution state
// at defined boundaries, enabling pause, resume and rewind of
// long-running computation across process restarts. It exclusively
// owns agent-position serialization; callers treat positions and agent
// state as opaque bytes.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aixgo-dev/statekit/pkg/store"
)

// Errors returned by the checkpointer.
var (
	// ErrCheckpointNotFound is returned when no checkpoint exists for
	// the requested invocation or index.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Checkpoint is a persisted snapshot of in-progress execution.
// Checkpoints are immutable once written; a new snapshot gets a new
// index and old ones are retained for rewind until pruned.
type Checkpoint struct {
	SessionID    string `json:"session_id"`
	InvocationID string `json:"invocation_id"`
	// Index is monotonically increasing per (session, invocation).
	Index uint64 `json:"index"`
	// AgentPosition is an opaque serialized cursor identifying where
	// in the step sequence execution paused.
	AgentPosition []byte `json:"agent_position"`
	// AgentState is the opaque serialized agent-internal state.
	AgentState []byte    `json:"agent_state"`
	CreatedAt  time.Time `json:"created_at"`
}

// latestKey is the kv key pointing at the highest live index.
const latestKey = "latest"

func indexKey(index uint64) string {
	return fmt.Sprintf("cp-%012d", index)
}

// Namespace returns the storage namespace for an invocation's
// checkpoints.
func Namespace(appID, userID, sessionID, invocationID string) string {
	return "ckpt:" + appID + ":" + userID + ":" + sessionID + ":" + invocationID
}

// Checkpointer persists checkpoints through a Store. It is stateless
// between calls and safe for concurrent use across invocations; the
// session-level advisory lock serializes writers within one
// invocation.
type Checkpointer struct {
	store store.Store
	// retainOnComplete keeps checkpoints after successful completion
	// for audit instead of pruning them.
	retainOnComplete bool
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithRetainOnComplete keeps an invocation's checkpoints when it
// completes successfully instead of pruning them.
func WithRetainOnComplete() Option {
	return func(c *Checkpointer) { c.retainOnComplete = true }
}

// New creates a checkpointer on the given store.
func New(st store.Store, opts ...Option) *Checkpointer {
	c := &Checkpointer{store: st}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checkpointer) latestIndex(ctx context.Context, ns string) (uint64, error) {
	data, err := c.store.Get(ctx, ns, latestKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read latest index: %w", err)
	}
	idx, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse latest index: %w", err)
	}
	return idx, nil
}

func (c *Checkpointer) setLatest(ctx context.Context, ns string, index uint64) error {
	if err := c.store.Put(ctx, ns, latestKey, []byte(strconv.FormatUint(index, 10))); err != nil {
		return fmt.Errorf("update latest index: %w", err)
	}
	return nil
}

// Save persists a new checkpoint and returns its index. Indexes start
// at 1 and increase by one per save. The checkpoint body is written
// before the latest pointer moves, so a crash between the two writes
// leaves the previous checkpoint authoritative.
func (c *Checkpointer) Save(ctx context.Context, appID, userID, sessionID, invocationID string, position, agentState []byte) (uint64, error) {
	ns := Namespace(appID, userID, sessionID, invocationID)

	latest, err := c.latestIndex(ctx, ns)
	if err != nil {
		return 0, err
	}
	cp := Checkpoint{
		SessionID:     sessionID,
		InvocationID:  invocationID,
		Index:         latest + 1,
		AgentPosition: position,
		AgentState:    agentState,
		CreatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := c.store.Put(ctx, ns, indexKey(cp.Index), data); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := c.setLatest(ctx, ns, cp.Index); err != nil {
		return 0, err
	}
	return cp.Index, nil
}

// Load retrieves a checkpoint by index.
func (c *Checkpointer) Load(ctx context.Context, appID, userID, sessionID, invocationID string, index uint64) (*Checkpoint, error) {
	ns := Namespace(appID, userID, sessionID, invocationID)
	data, err := c.store.Get(ctx, ns, indexKey(index))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LoadLatest retrieves the most recent live checkpoint for an
// invocation. Returns ErrCheckpointNotFound when none exists.
func (c *Checkpointer) LoadLatest(ctx context.Context, appID, userID, sessionID, invocationID string) (*Checkpoint, error) {
	ns := Namespace(appID, userID, sessionID, invocationID)
	latest, err := c.latestIndex(ctx, ns)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, ErrCheckpointNotFound
	}
	return c.Load(ctx, appID, userID, sessionID, invocationID, latest)
}

// Rewind restores toIndex as the latest checkpoint, invalidating every
// checkpoint after it. Used for "go back and retry" flows. Rewinding
// to a missing index fails with ErrCheckpointNotFound.
func (c *Checkpointer) Rewind(ctx context.Context, appID, userID, sessionID, invocationID string, toIndex uint64) error {
	ns := Namespace(appID, userID, sessionID, invocationID)

	if _, err := c.Load(ctx, appID, userID, sessionID, invocationID, toIndex); err != nil {
		return err
	}
	latest, err := c.latestIndex(ctx, ns)
	if err != nil {
		return err
	}
	// Repoint first so a crash mid-delete leaves only orphaned
	// (unreachable) checkpoints, never a dangling latest pointer.
	if err := c.setLatest(ctx, ns, toIndex); err != nil {
		return err
	}
	for idx := toIndex + 1; idx <= latest; idx++ {
		if err := c.store.Delete(ctx, ns, indexKey(idx)); err != nil {
			return fmt.Errorf("invalidate checkpoint %d: %w", idx, err)
		}
	}
	return nil
}

// invNamespace tracks which invocation is current for a session, so a
// resume after a crash can find the checkpoints to restore.
func invNamespace(appID, userID, sessionID string) string {
	return "ckptinv:" + appID + ":" + userID + ":" + sessionID
}

const currentKey = "invocation"

// SetCurrent records invocationID as the session's in-progress
// invocation.
func (c *Checkpointer) SetCurrent(ctx context.Context, appID, userID, sessionID, invocationID string) error {
	ns := invNamespace(appID, userID, sessionID)
	if err := c.store.Put(ctx, ns, currentKey, []byte(invocationID)); err != nil {
		return fmt.Errorf("set current invocation: %w", err)
	}
	return nil
}

// Current returns the session's in-progress invocation id, or
// ErrCheckpointNotFound when no invocation is pending.
func (c *Checkpointer) Current(ctx context.Context, appID, userID, sessionID string) (string, error) {
	ns := invNamespace(appID, userID, sessionID)
	data, err := c.store.Get(ctx, ns, currentKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrCheckpointNotFound
		}
		return "", fmt.Errorf("read current invocation: %w", err)
	}
	return string(data), nil
}

// ClearCurrent forgets the session's in-progress invocation. Called
// when an invocation completes.
func (c *Checkpointer) ClearCurrent(ctx context.Context, appID, userID, sessionID string) error {
	ns := invNamespace(appID, userID, sessionID)
	if err := c.store.Delete(ctx, ns, currentKey); err != nil {
		return fmt.Errorf("clear current invocation: %w", err)
	}
	return nil
}

// Prune removes an invocation's checkpoints after successful
// completion, unless the checkpointer is configured to retain them.
func (c *Checkpointer) Prune(ctx context.Context, appID, userID, sessionID, invocationID string) error {
	if c.retainOnComplete {
		return nil
	}
	return c.Drop(ctx, appID, userID, sessionID, invocationID)
}

// Drop removes an invocation's checkpoints unconditionally. Retention
// uses this; the retain-on-complete setting does not apply.
func (c *Checkpointer) Drop(ctx context.Context, appID, userID, sessionID, invocationID string) error {
	ns := Namespace(appID, userID, sessionID, invocationID)
	if err := c.store.DeleteNamespace(ctx, ns); err != nil {
		return fmt.Errorf("drop checkpoints: %w", err)
	}
	return nil
}

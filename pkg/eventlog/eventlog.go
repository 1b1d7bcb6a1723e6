// Package eventlog provides the append-only ordered record of state
// deltas per session. It exclusively owns delta ordering and
// durability: sessions are reconstructed by replaying it, and sequence
// conflicts between concurrent writers are detected and retried here.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/statekit/pkg/observability"
	"github.com/aixgo-dev/statekit/pkg/session"
	"github.com/aixgo-dev/statekit/pkg/store"
)

// Errors returned by the log.
var (
	// ErrEphemeralDelta is returned when an ephemeral-scoped delta is
	// appended. Ephemeral keys are request-local and never persisted.
	ErrEphemeralDelta = errors.New("ephemeral deltas are not persisted")
	// ErrInvalidScope is returned for an unknown delta scope.
	ErrInvalidScope = errors.New("invalid delta scope")
)

// snapshotKey is the kv key holding a session's compaction snapshot
// inside its log namespace.
const snapshotKey = "snapshot"

// snapshot is the materialized fold of all deltas up to UpTo, written
// by Compact to bound replay cost.
type snapshot struct {
	UpTo  uint64         `json:"up_to"`
	State map[string]any `json:"state"`
}

// Log is the event log. It is stateless between calls; all durability
// lives in the backing store, so any number of Log instances may share
// one store.
type Log struct {
	store store.Store
	// maxConflictRetries bounds transparent re-reads after a sequence
	// conflict before the conflict surfaces to the caller.
	maxConflictRetries int
}

// Option configures a Log.
type Option func(*Log)

// WithConflictRetries sets how many times Append transparently
// re-reads the max sequence and retries after a conflict. Default 5.
func WithConflictRetries(n int) Option {
	return func(l *Log) { l.maxConflictRetries = n }
}

// New creates an event log on the given store.
func New(st store.Store, opts ...Option) *Log {
	l := &Log{store: st, maxConflictRetries: 5}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append atomically appends a delta to the session's log, assigning
// the next sequence number. Concurrent appends race on the sequence;
// the loser re-reads the current max and retries transparently, up to
// the configured bound, after which ErrSequenceConflict surfaces.
//
// User- and app-scoped deltas are additionally materialized into the
// shared state namespaces in the same call, so other sessions observe
// them on their next read (last-write-wins per key).
func (l *Log) Append(ctx context.Context, appID, userID, sessionID string, delta session.StateDelta) (uint64, error) {
	if !delta.Scope.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidScope, delta.Scope)
	}
	if delta.Scope == session.ScopeEphemeral {
		return 0, ErrEphemeralDelta
	}

	delta.SessionID = sessionID
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}

	ns := session.LogNamespace(appID, userID, sessionID)

	var seq uint64
	for attempt := 0; ; attempt++ {
		next, err := l.store.NextSequence(ctx, ns)
		if err != nil {
			return 0, fmt.Errorf("read next sequence: %w", err)
		}
		delta.Sequence = next

		payload, err := json.Marshal(delta)
		if err != nil {
			return 0, fmt.Errorf("marshal delta: %w", err)
		}

		seq, err = l.store.AtomicAppend(ctx, ns, store.Record{
			Sequence:  next,
			Payload:   payload,
			Timestamp: delta.Timestamp,
		})
		if err == nil {
			observability.RecordDeltaAppend()
			break
		}
		if !errors.Is(err, store.ErrSequenceConflict) || attempt >= l.maxConflictRetries {
			return 0, fmt.Errorf("append delta: %w", err)
		}
		observability.RecordSequenceConflict()
	}

	if err := l.materializeShared(ctx, appID, userID, delta); err != nil {
		return 0, err
	}
	return seq, nil
}

// materializeShared publishes user/app-scoped values to the shared
// namespaces other sessions read from.
func (l *Log) materializeShared(ctx context.Context, appID, userID string, delta session.StateDelta) error {
	var ns string
	switch delta.Scope {
	case session.ScopeUser:
		ns = session.UserStateNamespace(appID, userID)
	case session.ScopeApp:
		ns = session.AppStateNamespace(appID)
	default:
		return nil
	}
	value, err := json.Marshal(delta.Value)
	if err != nil {
		return fmt.Errorf("marshal shared value: %w", err)
	}
	if err := l.store.Put(ctx, ns, delta.Key, value); err != nil {
		return fmt.Errorf("materialize %s state: %w", delta.Scope, err)
	}
	return nil
}

// Replay returns the session's retained deltas with sequence >= from,
// in strict sequence order. Deltas folded away by Compact are not
// returned; Materialize accounts for them via the snapshot.
func (l *Log) Replay(ctx context.Context, appID, userID, sessionID string, from uint64) ([]session.StateDelta, error) {
	ns := session.LogNamespace(appID, userID, sessionID)
	recs, err := l.store.ListAppended(ctx, ns, from)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	deltas := make([]session.StateDelta, 0, len(recs))
	for _, rec := range recs {
		var d session.StateDelta
		if err := json.Unmarshal(rec.Payload, &d); err != nil {
			return nil, fmt.Errorf("unmarshal delta %d: %w", rec.Sequence, err)
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// Materialize folds the session's snapshot and retained deltas into a
// state map (last-write-wins per scoped key), then overlays the shared
// user/app state, which may have been written by other sessions and is
// authoritative for shared keys. The returned sequence is the highest
// folded delta sequence.
func (l *Log) Materialize(ctx context.Context, appID, userID, sessionID string) (map[string]any, uint64, error) {
	state := make(map[string]any)
	var lastSeq uint64

	snap, err := l.loadSnapshot(ctx, appID, userID, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if snap != nil {
		for k, v := range snap.State {
			state[k] = v
		}
		lastSeq = snap.UpTo
	}

	deltas, err := l.Replay(ctx, appID, userID, sessionID, lastSeq+1)
	if err != nil {
		return nil, 0, err
	}
	for _, d := range deltas {
		state[session.ScopedKey(d.Scope, d.Key)] = d.Value
		lastSeq = d.Sequence
	}

	if err := l.overlayShared(ctx, session.UserStateNamespace(appID, userID), session.ScopeUser, state); err != nil {
		return nil, 0, err
	}
	if err := l.overlayShared(ctx, session.AppStateNamespace(appID), session.ScopeApp, state); err != nil {
		return nil, 0, err
	}
	return state, lastSeq, nil
}

func (l *Log) overlayShared(ctx context.Context, ns string, scope session.Scope, state map[string]any) error {
	keys, err := l.store.ListKeys(ctx, ns, "")
	if err != nil {
		return fmt.Errorf("list %s state: %w", scope, err)
	}
	for _, k := range keys {
		data, err := l.store.Get(ctx, ns, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("read %s state: %w", scope, err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("unmarshal %s state %q: %w", scope, k, err)
		}
		state[session.ScopedKey(scope, k)] = v
	}
	return nil
}

func (l *Log) loadSnapshot(ctx context.Context, appID, userID, sessionID string) (*snapshot, error) {
	ns := session.LogNamespace(appID, userID, sessionID)
	data, err := l.store.Get(ctx, ns, snapshotKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Compact folds deltas with sequence <= upTo into the session's
// snapshot and drops the folded records, bounding replay cost. Shared
// user/app namespaces are untouched; they are materialized at append
// time and have their own lifecycle.
func (l *Log) Compact(ctx context.Context, appID, userID, sessionID string, upTo uint64) error {
	snap, err := l.loadSnapshot(ctx, appID, userID, sessionID)
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &snapshot{State: make(map[string]any)}
	}
	if upTo <= snap.UpTo {
		return nil
	}

	deltas, err := l.Replay(ctx, appID, userID, sessionID, snap.UpTo+1)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if d.Sequence > upTo {
			break
		}
		snap.State[session.ScopedKey(d.Scope, d.Key)] = d.Value
		snap.UpTo = d.Sequence
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ns := session.LogNamespace(appID, userID, sessionID)
	if err := l.store.Put(ctx, ns, snapshotKey, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := l.store.DropAppended(ctx, ns, snap.UpTo); err != nil {
		return fmt.Errorf("drop compacted deltas: %w", err)
	}
	return nil
}

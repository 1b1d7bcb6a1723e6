package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/statekit/pkg/store"
)

// Errors returned by the manager.
var (
	// ErrSessionNotFound is returned when a session doesn't exist for
	// the caller's (app, user) identity. Cross-user lookups fail with
	// this error too; existence of another user's session never leaks.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating a session with an
	// id that already exists for the (app, user) pair.
	ErrDuplicateSession = errors.New("session id already exists")
	// ErrConcurrentInvocation is returned when an invocation is
	// already running on the session.
	ErrConcurrentInvocation = errors.New("invocation already in progress for session")
)

// StateSource reconstructs a session's state from its delta log.
// Implemented by eventlog.Log; an interface here keeps the ownership
// boundary: the manager never reads delta records directly.
type StateSource interface {
	// Materialize returns the scope-prefixed state map and the highest
	// folded sequence for a session.
	Materialize(ctx context.Context, appID, userID, sessionID string) (map[string]any, uint64, error)
}

// Manager owns session lifecycle and isolation. Manager is safe for
// concurrent use.
type Manager interface {
	// Create creates a session. An empty sessionID generates a
	// collision-resistant id. Fails with ErrDuplicateSession if the
	// supplied id already exists for (appID, userID).
	Create(ctx context.Context, appID, userID, sessionID string) (*Session, error)

	// Get reconstructs a session by replaying its delta log. Returns
	// ErrSessionNotFound if absent, deleted, or owned by another user.
	Get(ctx context.Context, appID, userID, sessionID string) (*Session, error)

	// List returns session summaries for an app. A nil userID is the
	// administrative form listing across all users; note the empty
	// string is a distinct, valid user id.
	List(ctx context.Context, appID string, userID *string) ([]*Summary, error)

	// Delete tombstones a session. Subsequent Gets fail with
	// ErrSessionNotFound. Storage is reclaimed later by retention.
	Delete(ctx context.Context, appID, userID, sessionID string) error

	// UpdateStatus sets the session status and bumps last_active_at.
	UpdateStatus(ctx context.Context, appID, userID, sessionID string, status Status) error

	// Touch bumps last_active_at without changing status, keeping a
	// session out of retention's reach.
	Touch(ctx context.Context, appID, userID, sessionID string) error

	// AcquireInvocation takes the session's advisory lock, preventing
	// two invocations from running on one session. The returned
	// release func must be called exactly once. Fails with
	// ErrConcurrentInvocation if the lock is held.
	AcquireInvocation(appID, userID, sessionID string) (release func(), err error)

	// Locked reports whether the session's advisory lock is held.
	Locked(appID, userID, sessionID string) bool

	// Expired returns sessions whose last activity is at or before
	// cutoff, tombstoned sessions included. Used by retention.
	Expired(ctx context.Context, appID string, cutoff time.Time) ([]*Summary, error)

	// Purge permanently removes a session's metadata and delta log.
	// Used by retention; callers wanting the soft form use Delete.
	Purge(ctx context.Context, appID, userID, sessionID string) error

	// Close releases resources held by the manager.
	Close() error
}

// managerImpl is the concrete implementation of Manager.
type managerImpl struct {
	store store.Store
	state StateSource
	locks *lockRegistry
}

// NewManager creates a session manager on the given store. The state
// source materializes session state on Get; it is typically the event
// log sharing the same store.
func NewManager(st store.Store, state StateSource) Manager {
	return &managerImpl{
		store: st,
		state: state,
		locks: newLockRegistry(),
	}
}

// usersNamespace indexes the user ids seen for an app, for the
// administrative cross-user listing.
func usersNamespace(appID string) string {
	return "users:" + appID
}

func (m *managerImpl) loadMeta(ctx context.Context, appID, userID, sessionID string) (*metaRecord, error) {
	data, err := m.store.Get(ctx, MetaNamespace(appID, userID), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session metadata: %w", err)
	}
	var rec metaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &rec, nil
}

func (m *managerImpl) saveMeta(ctx context.Context, rec *metaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := m.store.Put(ctx, MetaNamespace(rec.AppID, rec.UserID), rec.ID, data); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	return nil
}

// Create creates a session.
func (m *managerImpl) Create(ctx context.Context, appID, userID, sessionID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else {
		// Tombstoned ids stay burned: recreating one would resurrect
		// the old delta log under the new session.
		if _, err := m.store.Get(ctx, MetaNamespace(appID, userID), sessionID); err == nil {
			return nil, ErrDuplicateSession
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check session id: %w", err)
		}
	}

	now := time.Now().UTC()
	rec := &metaRecord{
		Summary: Summary{
			AppID:        appID,
			UserID:       userID,
			ID:           sessionID,
			Status:       StatusActive,
			CreatedAt:    now,
			LastActiveAt: now,
		},
	}
	if err := m.saveMeta(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, usersNamespace(appID), userID, []byte{'1'}); err != nil {
		return nil, fmt.Errorf("index user: %w", err)
	}

	return &Session{
		AppID:        appID,
		UserID:       userID,
		ID:           sessionID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
		State:        make(map[string]any),
	}, nil
}

// Get reconstructs a session from its metadata and delta log.
func (m *managerImpl) Get(ctx context.Context, appID, userID, sessionID string) (*Session, error) {
	rec, err := m.loadMeta(ctx, appID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrSessionNotFound
	}
	// Metadata lives in the caller's (app, user) namespace already;
	// this guards against a corrupted or manually edited record.
	if rec.AppID != appID || rec.UserID != userID {
		return nil, ErrSessionNotFound
	}

	state, lastSeq, err := m.state.Materialize(ctx, appID, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("materialize state: %w", err)
	}

	return &Session{
		AppID:        appID,
		UserID:       userID,
		ID:           sessionID,
		Status:       rec.Status,
		CreatedAt:    rec.CreatedAt,
		LastActiveAt: rec.LastActiveAt,
		State:        state,
		LastSequence: lastSeq,
	}, nil
}

func (m *managerImpl) listUser(ctx context.Context, appID, userID string) ([]*Summary, error) {
	ids, err := m.store.ListKeys(ctx, MetaNamespace(appID, userID), "")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	summaries := make([]*Summary, 0, len(ids))
	for _, id := range ids {
		rec, err := m.loadMeta(ctx, appID, userID, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Deleted {
			continue
		}
		s := rec.Summary
		summaries = append(summaries, &s)
	}
	return summaries, nil
}

// List returns session summaries for an app, optionally filtered to a
// single user.
func (m *managerImpl) List(ctx context.Context, appID string, userID *string) ([]*Summary, error) {
	if userID != nil {
		return m.listUser(ctx, appID, *userID)
	}

	users, err := m.store.ListKeys(ctx, usersNamespace(appID), "")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var all []*Summary
	for _, u := range users {
		summaries, err := m.listUser(ctx, appID, u)
		if err != nil {
			return nil, err
		}
		all = append(all, summaries...)
	}
	return all, nil
}

// Delete tombstones a session.
func (m *managerImpl) Delete(ctx context.Context, appID, userID, sessionID string) error {
	rec, err := m.loadMeta(ctx, appID, userID, sessionID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return ErrSessionNotFound
	}
	rec.Deleted = true
	rec.LastActiveAt = time.Now().UTC()
	return m.saveMeta(ctx, rec)
}

// UpdateStatus sets the session status and bumps last_active_at.
func (m *managerImpl) UpdateStatus(ctx context.Context, appID, userID, sessionID string, status Status) error {
	rec, err := m.loadMeta(ctx, appID, userID, sessionID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return ErrSessionNotFound
	}
	rec.Status = status
	rec.LastActiveAt = time.Now().UTC()
	return m.saveMeta(ctx, rec)
}

// Touch bumps last_active_at.
func (m *managerImpl) Touch(ctx context.Context, appID, userID, sessionID string) error {
	rec, err := m.loadMeta(ctx, appID, userID, sessionID)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return ErrSessionNotFound
	}
	rec.LastActiveAt = time.Now().UTC()
	return m.saveMeta(ctx, rec)
}

// AcquireInvocation takes the session's advisory lock.
func (m *managerImpl) AcquireInvocation(appID, userID, sessionID string) (func(), error) {
	return m.locks.acquire(lockKey(appID, userID, sessionID))
}

// Locked reports whether the session's advisory lock is held.
func (m *managerImpl) Locked(appID, userID, sessionID string) bool {
	return m.locks.isHeld(lockKey(appID, userID, sessionID))
}

// Expired returns sessions idle since cutoff, tombstones included.
// Tombstoned sessions surface here and nowhere else, so purging them
// is the only way a burned id becomes reusable.
func (m *managerImpl) Expired(ctx context.Context, appID string, cutoff time.Time) ([]*Summary, error) {
	users, err := m.store.ListKeys(ctx, usersNamespace(appID), "")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var expired []*Summary
	for _, u := range users {
		ids, err := m.store.ListKeys(ctx, MetaNamespace(appID, u), "")
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, id := range ids {
			rec, err := m.loadMeta(ctx, appID, u, id)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					continue
				}
				return nil, err
			}
			if rec.LastActiveAt.After(cutoff) {
				continue
			}
			s := rec.Summary
			expired = append(expired, &s)
		}
	}
	return expired, nil
}

// Purge permanently removes a session's metadata and delta log.
func (m *managerImpl) Purge(ctx context.Context, appID, userID, sessionID string) error {
	if err := m.store.DeleteNamespace(ctx, LogNamespace(appID, userID, sessionID)); err != nil {
		return fmt.Errorf("purge log: %w", err)
	}
	if err := m.store.Delete(ctx, MetaNamespace(appID, userID), sessionID); err != nil {
		return fmt.Errorf("purge metadata: %w", err)
	}
	return nil
}

// Close releases resources held by the manager. The store is owned by
// the caller and left open.
func (m *managerImpl) Close() error {
	return nil
}

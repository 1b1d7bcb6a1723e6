// Package session provides session lifecycle management with per-user
// isolation. A session's state is only ever mutated through appended
// state deltas, so the event log remains the reconstructable source of
// truth; the manager materializes state on read, never stores it whole.
package session

import (
	"strings"
	"time"
)

// Scope qualifies the visibility breadth of a state key.
type Scope string

const (
	// ScopeInvocation keys are visible only within the owning session.
	ScopeInvocation Scope = "invocation"
	// ScopeUser keys are shared across all sessions of the same user
	// within an app.
	ScopeUser Scope = "user"
	// ScopeApp keys are shared across all users of the same app.
	ScopeApp Scope = "app"
	// ScopeEphemeral keys are request-local and never persisted.
	ScopeEphemeral Scope = "ephemeral"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeInvocation, ScopeUser, ScopeApp, ScopeEphemeral:
		return true
	}
	return false
}

// ScopedKey renders a state key with its scope prefix, e.g.
// "user:pref_color". Invocation-scoped keys carry no prefix.
func ScopedKey(scope Scope, key string) string {
	if scope == ScopeInvocation {
		return key
	}
	return string(scope) + ":" + key
}

// ParseScopedKey splits a prefixed state key into scope and bare key.
// Keys without a recognized prefix are invocation-scoped.
func ParseScopedKey(k string) (Scope, string) {
	prefix, rest, ok := strings.Cut(k, ":")
	if !ok {
		return ScopeInvocation, k
	}
	switch Scope(prefix) {
	case ScopeUser, ScopeApp, ScopeEphemeral:
		return Scope(prefix), rest
	}
	return ScopeInvocation, k
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StateDelta is a single atomic state mutation, the unit of the event
// log. Sequence numbers are strictly increasing per session.
type StateDelta struct {
	// SessionID is the session the delta was appended through.
	SessionID string `json:"session_id"`
	// Sequence is the delta's position in the session's log. Assigned
	// by the event log on append; zero until then.
	Sequence uint64 `json:"sequence"`
	// Scope determines which sessions observe the key.
	Scope Scope `json:"scope"`
	// Key is the bare state key, without scope prefix.
	Key string `json:"key"`
	// Value is the new value for the key.
	Value any `json:"value"`
	// Timestamp is when the delta was created.
	Timestamp time.Time `json:"timestamp"`
}

// Session is a materialized view of one session: identity, lifecycle
// metadata, and state reconstructed from the event log. State keys are
// scope-prefixed (see ScopedKey).
type Session struct {
	// AppID, UserID, ID form the composite identity. ID is unique
	// within (AppID, UserID).
	AppID  string `json:"app_id"`
	UserID string `json:"user_id"`
	ID     string `json:"id"`

	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// State is the materialized state map. Mutating it has no effect
	// on persistence; state changes go through appended deltas.
	State map[string]any `json:"state,omitempty"`

	// LastSequence is the highest delta sequence folded into State.
	LastSequence uint64 `json:"last_sequence"`
}

// Summary is session metadata without materialized state, for listing.
type Summary struct {
	AppID        string    `json:"app_id"`
	UserID       string    `json:"user_id"`
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// metaRecord is the persisted session metadata document. Deleted
// sessions keep a tombstoned record so their ids stay burned until the
// retention reaper purges them.
type metaRecord struct {
	Summary
	Deleted bool `json:"deleted,omitempty"`
}

// Storage namespace layout. All namespaces embed the (app, user)
// identity, which is what makes cross-user isolation structural rather
// than a filter.

// MetaNamespace holds session metadata records keyed by session id.
func MetaNamespace(appID, userID string) string {
	return "meta:" + appID + ":" + userID
}

// LogNamespace holds one session's delta log.
func LogNamespace(appID, userID, sessionID string) string {
	return "log:" + appID + ":" + userID + ":" + sessionID
}

// UserStateNamespace holds materialized user-scoped state shared by
// all sessions of (app, user).
func UserStateNamespace(appID, userID string) string {
	return "state:user:" + appID + ":" + userID
}

// AppStateNamespace holds materialized app-scoped state shared by all
// users of an app.
func AppStateNamespace(appID string) string {
	return "state:app:" + appID
}

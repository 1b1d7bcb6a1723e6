// Package store provides key/value persistence with scoped namespaces
// and atomic ordered appends. Backends are selected by URI scheme via
// the registry (memory, sqlite, redis, mongodb by default).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for store operations.
var (
	// ErrNotFound is returned when a key doesn't exist in a namespace.
	ErrNotFound = errors.New("key not found")
	// ErrSequenceConflict is returned when an atomic append proposes a
	// sequence number that is not the namespace's next sequence.
	ErrSequenceConflict = errors.New("sequence conflict")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// UnsupportedBackendError is returned by Open for an unregistered URI
// scheme. It names the scheme and lists the registered ones so a
// configuration mistake is diagnosable from the message alone.
type UnsupportedBackendError struct {
	// Scheme is the unrecognized URI scheme.
	Scheme string
	// Registered lists the schemes known at the time of the call.
	Registered []string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend scheme %q (registered: %s)",
		e.Scheme, strings.Join(e.Registered, ", "))
}

// Record is a single entry in a namespace's append-only log.
// Sequence numbers are 1-based and strictly increasing per namespace.
type Record struct {
	// Sequence is the position this record commits at.
	Sequence uint64 `json:"sequence"`
	// Payload is the opaque record body.
	Payload []byte `json:"payload"`
	// Timestamp is when the record was created.
	Timestamp time.Time `json:"timestamp"`
}

// Store abstracts namespaced key/value persistence plus an append-only
// log per namespace. Implementations must be safe for concurrent use
// and must surface transient failures (timeouts, resets, pool
// exhaustion) as retryable errors rather than blocking indefinitely.
type Store interface {
	// Put creates or replaces a value.
	Put(ctx context.Context, namespace, key string, value []byte) error

	// Get retrieves a value. Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// ListKeys returns the keys in a namespace with the given prefix,
	// in lexicographic order.
	ListKeys(ctx context.Context, namespace, prefix string) ([]string, error)

	// AtomicAppend commits rec at exactly rec.Sequence. If the
	// namespace's next sequence differs, it fails with
	// ErrSequenceConflict and commits nothing. The append is atomic:
	// concurrent callers never observe a partial record.
	AtomicAppend(ctx context.Context, namespace string, rec Record) (uint64, error)

	// ListAppended returns records with Sequence >= from in sequence
	// order. from == 0 is equivalent to from == 1.
	ListAppended(ctx context.Context, namespace string, from uint64) ([]Record, error)

	// NextSequence returns the sequence number the next append must
	// propose (current max + 1).
	NextSequence(ctx context.Context, namespace string) (uint64, error)

	// DropAppended removes records with Sequence <= upTo. Used by log
	// compaction.
	DropAppended(ctx context.Context, namespace string, upTo uint64) error

	// DeleteNamespace removes every key and record in a namespace.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Close releases resources held by the store. Close is idempotent;
	// operations after Close fail with ErrStoreClosed.
	Close() error
}

package store

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Policy controls retry behavior for transient backend failures.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry; each subsequent
	// retry doubles it up to MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultPolicy returns the default retry policy: 3 attempts with
// exponential backoff starting at 50ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it. Backends use
// it to tag failures that callers should retry, such as connection
// pool exhaustion.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err represents a transient backend
// failure worth retrying: network timeouts, connection resets, refused
// connections, and errors explicitly tagged via Transient. Permanent
// errors (authentication, malformed input, conflicts, not-found)
// report false and propagate to the caller immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tagged *transientError
	if errors.As(err, &tagged) {
		return true
	}
	// Never retry the store's own terminal conditions.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSequenceConflict) || errors.Is(err, ErrStoreClosed) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// retryingStore decorates a Store with bounded retries on transient
// failures. Sequence conflicts are not retried here: re-proposing the
// same sequence can never succeed, so conflict handling belongs to the
// caller (the event log re-reads the max and retries with a new one).
type retryingStore struct {
	inner  Store
	policy Policy
}

// WithRetry wraps a Store so transient failures are retried with
// exponential backoff per the policy. A zero-valued policy falls back
// to DefaultPolicy.
func WithRetry(inner Store, policy Policy) Store {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy().MaxDelay
	}
	return &retryingStore{inner: inner, policy: policy}
}

func (r *retryingStore) do(ctx context.Context, op func() error) error {
	delay := r.policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) || attempt >= r.policy.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
}

func (r *retryingStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return r.do(ctx, func() error { return r.inner.Put(ctx, namespace, key, value) })
}

func (r *retryingStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var v []byte
	err := r.do(ctx, func() error {
		var opErr error
		v, opErr = r.inner.Get(ctx, namespace, key)
		return opErr
	})
	return v, err
}

func (r *retryingStore) Delete(ctx context.Context, namespace, key string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, namespace, key) })
}

func (r *retryingStore) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, func() error {
		var opErr error
		keys, opErr = r.inner.ListKeys(ctx, namespace, prefix)
		return opErr
	})
	return keys, err
}

func (r *retryingStore) AtomicAppend(ctx context.Context, namespace string, rec Record) (uint64, error) {
	var seq uint64
	err := r.do(ctx, func() error {
		var opErr error
		seq, opErr = r.inner.AtomicAppend(ctx, namespace, rec)
		return opErr
	})
	return seq, err
}

func (r *retryingStore) ListAppended(ctx context.Context, namespace string, from uint64) ([]Record, error) {
	var recs []Record
	err := r.do(ctx, func() error {
		var opErr error
		recs, opErr = r.inner.ListAppended(ctx, namespace, from)
		return opErr
	})
	return recs, err
}

func (r *retryingStore) NextSequence(ctx context.Context, namespace string) (uint64, error) {
	var next uint64
	err := r.do(ctx, func() error {
		var opErr error
		next, opErr = r.inner.NextSequence(ctx, namespace)
		return opErr
	})
	return next, err
}

func (r *retryingStore) DropAppended(ctx context.Context, namespace string, upTo uint64) error {
	return r.do(ctx, func() error { return r.inner.DropAppended(ctx, namespace, upTo) })
}

func (r *retryingStore) DeleteNamespace(ctx context.Context, namespace string) error {
	return r.do(ctx, func() error { return r.inner.DeleteNamespace(ctx, namespace) })
}

func (r *retryingStore) Close() error {
	return r.inner.Close()
}

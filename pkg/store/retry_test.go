package store

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

// flakyStore fails the first n Get calls with the given error, then
// delegates to an inner memory store.
type flakyStore struct {
	Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.Get(ctx, namespace, key)
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"tagged", Transient(errors.New("pool exhausted")), true},
		{"wrapped tagged", fmt.Errorf("op: %w", Transient(errors.New("x"))), true},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"broken pipe", syscall.EPIPE, true},
		{"not found", ErrNotFound, false},
		{"sequence conflict", ErrSequenceConflict, false},
		{"store closed", ErrStoreClosed, false},
		{"plain error", errors.New("bad credentials"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry_RecoversFromTransient(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()
	if err := inner.Put(ctx, "ns", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	flaky := &flakyStore{Store: inner, failures: 2, err: Transient(errors.New("pool timeout"))}
	s := WithRetry(flaky, fastPolicy())

	got, err := s.Get(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("Get failed after retries: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	transient := Transient(errors.New("still down"))
	flaky := &flakyStore{Store: NewMemoryStore(), failures: 10, err: transient}
	s := WithRetry(flaky, fastPolicy())

	_, err := s.Get(context.Background(), "ns", "k")
	if !IsTransient(err) {
		t.Errorf("exhausted error = %v, want the transient error", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	flaky := &flakyStore{Store: NewMemoryStore(), failures: 10, err: errors.New("auth failed")}
	s := WithRetry(flaky, fastPolicy())

	if _, err := s.Get(context.Background(), "ns", "k"); err == nil {
		t.Fatal("expected error")
	}
	if flaky.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for permanent errors)", flaky.calls)
	}
}

func TestWithRetry_SequenceConflictNotRetried(t *testing.T) {
	inner := NewMemoryStore()
	s := WithRetry(inner, fastPolicy())
	ctx := context.Background()

	if _, err := s.AtomicAppend(ctx, "ns", Record{Sequence: 1, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	// A conflicting append must fail immediately; retrying the same
	// proposal can never succeed.
	start := time.Now()
	_, err := s.AtomicAppend(ctx, "ns", Record{Sequence: 1})
	if !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("err = %v, want ErrSequenceConflict", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("conflict took %v; it appears to have been retried", elapsed)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	flaky := &flakyStore{Store: NewMemoryStore(), failures: 10, err: Transient(errors.New("down"))}
	s := WithRetry(flaky, Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "ns", "k")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWithRetry_ZeroPolicyDefaults(t *testing.T) {
	s := WithRetry(NewMemoryStore(), Policy{})
	rs, ok := s.(*retryingStore)
	if !ok {
		t.Fatalf("WithRetry returned %T", s)
	}
	if rs.policy != DefaultPolicy() {
		t.Errorf("policy = %+v, want defaults", rs.policy)
	}
}

package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// testStoreConformance exercises the Store contract shared by every
// backend. Backend tests call it with a fresh store.
func testStoreConformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Put / Get round trip
	if err := s.Put(ctx, "ns1", "alpha", []byte("one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "ns1", "alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("one")) {
		t.Errorf("Get = %q, want %q", got, "one")
	}

	// Put replaces
	if err := s.Put(ctx, "ns1", "alpha", []byte("two")); err != nil {
		t.Fatalf("Put replace failed: %v", err)
	}
	got, _ = s.Get(ctx, "ns1", "alpha")
	if !bytes.Equal(got, []byte("two")) {
		t.Errorf("Get after replace = %q, want %q", got, "two")
	}

	// Missing key
	if _, err := s.Get(ctx, "ns1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	// Namespaces do not leak into each other
	if _, err := s.Get(ctx, "ns2", "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get cross-namespace = %v, want ErrNotFound", err)
	}

	// ListKeys with prefix, sorted
	_ = s.Put(ctx, "ns1", "beta", []byte("b"))
	_ = s.Put(ctx, "ns1", "alps", []byte("a"))
	keys, err := s.ListKeys(ctx, "ns1", "al")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "alps" {
		t.Errorf("ListKeys = %v, want [alpha alps]", keys)
	}

	// Delete is idempotent
	if err := s.Delete(ctx, "ns1", "beta"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "ns1", "beta"); err != nil {
		t.Errorf("Delete absent key = %v, want nil", err)
	}
	if _, err := s.Get(ctx, "ns1", "beta"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}

	testAppendLog(t, s)

	// DeleteNamespace wipes kv and log
	if err := s.DeleteNamespace(ctx, "ns1"); err != nil {
		t.Fatalf("DeleteNamespace failed: %v", err)
	}
	if _, err := s.Get(ctx, "ns1", "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after DeleteNamespace = %v, want ErrNotFound", err)
	}
}

func testAppendLog(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	const ns = "log-ns"

	next, err := s.NextSequence(ctx, ns)
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if next != 1 {
		t.Fatalf("NextSequence on empty log = %d, want 1", next)
	}

	for i := uint64(1); i <= 3; i++ {
		seq, err := s.AtomicAppend(ctx, ns, Record{
			Sequence:  i,
			Payload:   []byte{byte(i)},
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AtomicAppend %d failed: %v", i, err)
		}
		if seq != i {
			t.Errorf("AtomicAppend returned %d, want %d", seq, i)
		}
	}

	// A stale proposal conflicts and commits nothing
	if _, err := s.AtomicAppend(ctx, ns, Record{Sequence: 2}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("stale append = %v, want ErrSequenceConflict", err)
	}
	if _, err := s.AtomicAppend(ctx, ns, Record{Sequence: 9}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("gapped append = %v, want ErrSequenceConflict", err)
	}

	recs, err := s.ListAppended(ctx, ns, 0)
	if err != nil {
		t.Fatalf("ListAppended failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ListAppended len = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Sequence != uint64(i+1) {
			t.Errorf("record %d sequence = %d, want %d", i, rec.Sequence, i+1)
		}
	}

	// from filters
	recs, _ = s.ListAppended(ctx, ns, 3)
	if len(recs) != 1 || recs[0].Sequence != 3 {
		t.Errorf("ListAppended from 3 = %+v, want one record with sequence 3", recs)
	}

	// DropAppended trims the prefix but never resets the counter
	if err := s.DropAppended(ctx, ns, 3); err != nil {
		t.Fatalf("DropAppended failed: %v", err)
	}
	recs, _ = s.ListAppended(ctx, ns, 0)
	if len(recs) != 0 {
		t.Errorf("records after DropAppended = %d, want 0", len(recs))
	}
	next, err = s.NextSequence(ctx, ns)
	if err != nil {
		t.Fatalf("NextSequence after drop failed: %v", err)
	}
	if next != 4 {
		t.Errorf("NextSequence after drop = %d, want 4", next)
	}
	if seq, err := s.AtomicAppend(ctx, ns, Record{Sequence: 4, Timestamp: time.Now().UTC()}); err != nil || seq != 4 {
		t.Errorf("append after drop = (%d, %v), want (4, nil)", seq, err)
	}

	_ = s.DeleteNamespace(ctx, ns)
}

func testStoreClosed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if err := s.Put(ctx, "ns", "k", nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Get(ctx, "ns", "k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get after Close = %v, want ErrStoreClosed", err)
	}
	if _, err := s.AtomicAppend(ctx, "ns", Record{Sequence: 1}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("AtomicAppend after Close = %v, want ErrStoreClosed", err)
	}
}

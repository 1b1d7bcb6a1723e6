package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupSQLite(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "statekit.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestSQLiteStore_Conformance(t *testing.T) {
	testStoreConformance(t, setupSQLite(t))
}

func TestSQLiteStore_Closed(t *testing.T) {
	testStoreClosed(t, setupSQLite(t))
}

func TestSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statekit.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.Put(ctx, "ns", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.AtomicAppend(ctx, "ns", Record{Sequence: 1, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("AtomicAppend failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Data survives a reopen.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s2.Close() }()

	got, err := s2.Get(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get after reopen = %q, want %q", got, "v")
	}
	next, err := s2.NextSequence(ctx, "ns")
	if err != nil {
		t.Fatalf("NextSequence after reopen failed: %v", err)
	}
	if next != 2 {
		t.Errorf("NextSequence after reopen = %d, want 2", next)
	}
}

func TestSQLiteStore_SequenceSurvivesCompaction(t *testing.T) {
	s := setupSQLite(t)
	ctx := context.Background()
	const ns = "compact"

	for i := uint64(1); i <= 4; i++ {
		if _, err := s.AtomicAppend(ctx, ns, Record{Sequence: i, Timestamp: time.Now().UTC()}); err != nil {
			t.Fatalf("AtomicAppend %d failed: %v", i, err)
		}
	}
	if err := s.DropAppended(ctx, ns, 4); err != nil {
		t.Fatalf("DropAppended failed: %v", err)
	}
	next, err := s.NextSequence(ctx, ns)
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if next != 5 {
		t.Errorf("NextSequence after compaction = %d, want 5", next)
	}
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniredis(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	s := NewRedisStoreFromClient(client, "test:")

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func TestRedisStore_Conformance(t *testing.T) {
	testStoreConformance(t, setupMiniredis(t))
}

func TestRedisStore_Closed(t *testing.T) {
	testStoreClosed(t, setupMiniredis(t))
}

func TestRedisStore_SequenceSurvivesTrim(t *testing.T) {
	s := setupMiniredis(t)
	ctx := context.Background()
	const ns = "trim"

	for i := uint64(1); i <= 5; i++ {
		if _, err := s.AtomicAppend(ctx, ns, Record{Sequence: i, Timestamp: time.Now().UTC()}); err != nil {
			t.Fatalf("AtomicAppend %d failed: %v", i, err)
		}
	}
	if err := s.DropAppended(ctx, ns, 5); err != nil {
		t.Fatalf("DropAppended failed: %v", err)
	}

	next, err := s.NextSequence(ctx, ns)
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if next != 6 {
		t.Errorf("NextSequence after trim = %d, want 6", next)
	}
	if _, err := s.AtomicAppend(ctx, ns, Record{Sequence: 1}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("restarted sequence accepted after trim: %v", err)
	}
}

func TestRedisStore_OpenBadURI(t *testing.T) {
	if _, err := NewRedisStore("redis://not a uri"); err == nil {
		t.Error("expected error for malformed URI")
	}
}

func TestRedisStore_Ping(t *testing.T) {
	s := setupMiniredis(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

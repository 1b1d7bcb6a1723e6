package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

func init() {
	_ = Register("redis", func(uri string) (Store, error) {
		return NewRedisStore(uri)
	})
}

// RedisStore implements Store on Redis. It provides distributed state
// storage suitable for multi-node deployments. Each namespace maps to
// a hash (kv), a list (append log) and a counter (sequence guard).
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisStore creates a Redis store from a redis:// URI, e.g.
// "redis://localhost:6379/0". Malformed URIs and authentication
// failures are permanent errors and are not retried.
func NewRedisStore(uri string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: "statekit:"}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing
// client. This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "statekit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (s *RedisStore) kvKey(namespace string) string {
	return s.prefix + "kv:" + namespace
}

func (s *RedisStore) logKey(namespace string) string {
	return s.prefix + "log:" + namespace
}

func (s *RedisStore) seqKey(namespace string) string {
	return s.prefix + "seq:" + namespace
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// mapErr tags pool/timeout failures as transient so the retry
// decorator picks them up.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return ErrStoreClosed
	}
	if strings.Contains(err.Error(), "connection pool timeout") {
		return Transient(err)
	}
	return err
}

// Put creates or replaces a value.
func (s *RedisStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.kvKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("put: %w", mapErr(err))
	}
	return nil
}

// Get retrieves a value.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, s.kvKey(namespace), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", mapErr(err))
	}
	return data, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, s.kvKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("delete: %w", mapErr(err))
	}
	return nil
}

// ListKeys returns keys with the given prefix in lexicographic order.
func (s *RedisStore) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	all, err := s.client.HKeys(ctx, s.kvKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", mapErr(err))
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicAppend commits rec at exactly rec.Sequence. The sequence
// counter is WATCHed; a concurrent writer aborting the transaction is
// reported as ErrSequenceConflict so the caller re-reads and retries.
func (s *RedisStore) AtomicAppend(ctx context.Context, namespace string, rec Record) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, s.seqKey(namespace)).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if rec.Sequence != cur+1 {
			return ErrSequenceConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.logKey(namespace), data)
			pipe.Set(ctx, s.seqKey(namespace), rec.Sequence, 0)
			return nil
		})
		return err
	}, s.seqKey(namespace))

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, ErrSequenceConflict
		}
		if errors.Is(err, ErrSequenceConflict) {
			return 0, ErrSequenceConflict
		}
		return 0, fmt.Errorf("append: %w", mapErr(err))
	}
	return rec.Sequence, nil
}

// ListAppended returns records with Sequence >= from in order.
func (s *RedisStore) ListAppended(ctx context.Context, namespace string, from uint64) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.LRange(ctx, s.logKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list appended: %w", mapErr(err))
	}
	recs := make([]Record, 0, len(data))
	for _, d := range data {
		var rec Record
		if err := json.Unmarshal([]byte(d), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if rec.Sequence >= from {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// NextSequence returns the sequence the next append must propose.
func (s *RedisStore) NextSequence(ctx context.Context, namespace string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	cur, err := s.client.Get(ctx, s.seqKey(namespace)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 1, nil
		}
		return 0, fmt.Errorf("next sequence: %w", mapErr(err))
	}
	return cur + 1, nil
}

// DropAppended removes records with Sequence <= upTo.
func (s *RedisStore) DropAppended(ctx context.Context, namespace string, upTo uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := s.client.LRange(ctx, s.logKey(namespace), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("drop appended: %w", mapErr(err))
	}
	drop := 0
	for _, d := range data {
		var rec Record
		if err := json.Unmarshal([]byte(d), &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if rec.Sequence > upTo {
			break
		}
		drop++
	}
	if drop == 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, s.logKey(namespace), int64(drop), -1).Err(); err != nil {
		return fmt.Errorf("drop appended: %w", mapErr(err))
	}
	return nil
}

// DeleteNamespace removes every key and record in a namespace.
func (s *RedisStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.client.Del(ctx, s.kvKey(namespace), s.logKey(namespace), s.seqKey(namespace)).Err()
	if err != nil {
		return fmt.Errorf("delete namespace: %w", mapErr(err))
	}
	return nil
}

// Close releases the client connection pool. Idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

func init() {
	_ = Register("memory", func(uri string) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// MemoryStore is a process-local Store. All data is lost on restart.
// It is the reference implementation for backend semantics and the
// default backend in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	kv   map[string]map[string][]byte
	logs map[string][]Record
	// seqs is the high-water sequence per namespace. Kept separately
	// from logs so compaction never resets the counter.
	seqs   map[string]uint64
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string]map[string][]byte),
		logs: make(map[string][]Record),
		seqs: make(map[string]uint64),
	}
}

// Put creates or replaces a value.
func (m *MemoryStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	ns, ok := m.kv[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.kv[namespace] = ns
	}
	// Copy so the caller's slice can be reused.
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

// Get retrieves a value.
func (m *MemoryStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ns, ok := m.kv[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := ns[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Delete removes a key.
func (m *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if ns, ok := m.kv[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

// ListKeys returns keys with the given prefix in lexicographic order.
func (m *MemoryStore) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0)
	for k := range m.kv[namespace] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicAppend commits rec at exactly rec.Sequence.
func (m *MemoryStore) AtomicAppend(ctx context.Context, namespace string, rec Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	if rec.Sequence != m.seqs[namespace]+1 {
		return 0, ErrSequenceConflict
	}
	cp := rec
	cp.Payload = make([]byte, len(rec.Payload))
	copy(cp.Payload, rec.Payload)
	m.logs[namespace] = append(m.logs[namespace], cp)
	m.seqs[namespace] = cp.Sequence
	return cp.Sequence, nil
}

// ListAppended returns records with Sequence >= from in order.
func (m *MemoryStore) ListAppended(ctx context.Context, namespace string, from uint64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []Record
	for _, rec := range m.logs[namespace] {
		if rec.Sequence >= from {
			out = append(out, rec)
		}
	}
	return out, nil
}

// NextSequence returns the sequence the next append must propose.
func (m *MemoryStore) NextSequence(ctx context.Context, namespace string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return m.seqs[namespace] + 1, nil
}

// DropAppended removes records with Sequence <= upTo.
func (m *MemoryStore) DropAppended(ctx context.Context, namespace string, upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	log := m.logs[namespace]
	kept := log[:0]
	for _, rec := range log {
		if rec.Sequence > upTo {
			kept = append(kept, rec)
		}
	}
	m.logs[namespace] = kept
	return nil
}

// DeleteNamespace removes every key and record in a namespace.
func (m *MemoryStore) DeleteNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.kv, namespace)
	delete(m.logs, namespace)
	delete(m.seqs, namespace)
	return nil
}

// Close marks the store closed. Idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

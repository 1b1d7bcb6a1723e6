// Package firestore provides a Google Cloud Firestore backend for the
// statekit store. Importing the package registers the "firestore://"
// scheme:
//
//	import _ "github.com/aixgo-dev/statekit/pkg/store/firestore"
//
//	s, err := store.Open("firestore://my-gcp-project")
//
// Authentication uses Application Default Credentials.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/statekit/pkg/store"
)

func init() {
	_ = store.Register("firestore", func(uri string) (store.Store, error) {
		projectID := strings.TrimPrefix(uri, "firestore://")
		projectID = strings.TrimSuffix(projectID, "/")
		return New(context.Background(), projectID)
	})
}

const (
	kvCollection     = "statekit_kv"
	appendCollection = "statekit_appends"
	seqCollection    = "statekit_seqs"
)

// Store implements store.Store on Firestore. Key/value entries and
// append records live in two top-level collections; document ids embed
// the escaped namespace so lookups stay single-document reads.
type Store struct {
	client *firestore.Client
	mu     sync.RWMutex
	closed bool
}

// New creates a Firestore store for the given GCP project.
func New(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, errors.New("firestore project ID is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

// Firestore document ids cannot contain '/', so components are
// path-escaped before joining.
func kvDocID(namespace, key string) string {
	return url.PathEscape(namespace) + "~" + url.PathEscape(key)
}

func appendDocID(namespace string, seq uint64) string {
	return fmt.Sprintf("%s~%020d", url.PathEscape(namespace), seq)
}

type kvDoc struct {
	Namespace string `firestore:"namespace"`
	Key       string `firestore:"key"`
	Value     []byte `firestore:"value"`
}

type appendDoc struct {
	Namespace string    `firestore:"namespace"`
	Sequence  int64     `firestore:"sequence"`
	Payload   []byte    `firestore:"payload"`
	Timestamp time.Time `firestore:"timestamp"`
}

// seqDoc is the per-namespace high-water sequence mark. It survives
// log compaction so sequences never restart.
type seqDoc struct {
	Namespace string `firestore:"namespace"`
	Last      int64  `firestore:"last"`
}

// Put creates or replaces a value.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.Collection(kvCollection).Doc(kvDocID(namespace, key)).
		Set(ctx, kvDoc{Namespace: namespace, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// Get retrieves a value.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := s.client.Collection(kvCollection).Doc(kvDocID(namespace, key)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	var doc kvDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode kv doc: %w", err)
	}
	return doc.Value, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.Collection(kvCollection).Doc(kvDocID(namespace, key)).Delete(ctx)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// ListKeys returns keys with the given prefix in lexicographic order.
func (s *Store) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	iter := s.client.Collection(kvCollection).
		Where("namespace", "==", namespace).Documents(ctx)
	defer iter.Stop()

	keys := make([]string, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		var doc kvDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode kv doc: %w", err)
		}
		if strings.HasPrefix(doc.Key, prefix) {
			keys = append(keys, doc.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicAppend commits rec at exactly rec.Sequence. The record
// document is created with a create-only precondition, so a concurrent
// writer racing for the same sequence loses with AlreadyExists, which
// maps to ErrSequenceConflict.
func (s *Store) AtomicAppend(ctx context.Context, namespace string, rec store.Record) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	next, err := s.NextSequence(ctx, namespace)
	if err != nil {
		return 0, err
	}
	if rec.Sequence != next {
		return 0, store.ErrSequenceConflict
	}

	_, err = s.client.Collection(appendCollection).Doc(appendDocID(namespace, rec.Sequence)).
		Create(ctx, appendDoc{
			Namespace: namespace,
			Sequence:  int64(rec.Sequence),
			Payload:   rec.Payload,
			Timestamp: rec.Timestamp.UTC(),
		})
	if status.Code(err) == codes.AlreadyExists {
		return 0, store.ErrSequenceConflict
	}
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	if err := s.advanceSeq(ctx, namespace, rec.Sequence); err != nil {
		return 0, err
	}
	return rec.Sequence, nil
}

// advanceSeq raises the namespace's high-water mark to seq. The
// transaction keeps a slow writer from regressing the counter.
func (s *Store) advanceSeq(ctx context.Context, namespace string, seq uint64) error {
	ref := s.client.Collection(seqCollection).Doc(url.PathEscape(namespace))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc seqDoc
		snap, err := tx.Get(ref)
		if err == nil {
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode seq doc: %w", err)
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		if int64(seq) <= doc.Last {
			return nil
		}
		return tx.Set(ref, seqDoc{Namespace: namespace, Last: int64(seq)})
	})
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	return nil
}

// ListAppended returns records with Sequence >= from in order.
func (s *Store) ListAppended(ctx context.Context, namespace string, from uint64) ([]store.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	iter := s.client.Collection(appendCollection).
		Where("namespace", "==", namespace).
		Where("sequence", ">=", int64(from)).
		OrderBy("sequence", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var recs []store.Record
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list appended: %w", err)
		}
		var doc appendDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		recs = append(recs, store.Record{
			Sequence:  uint64(doc.Sequence),
			Payload:   doc.Payload,
			Timestamp: doc.Timestamp,
		})
	}
	return recs, nil
}

// NextSequence returns the sequence the next append must propose.
func (s *Store) NextSequence(ctx context.Context, namespace string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var last int64
	snap, err := s.client.Collection(seqCollection).Doc(url.PathEscape(namespace)).Get(ctx)
	if err == nil {
		var sd seqDoc
		if err := snap.DataTo(&sd); err != nil {
			return 0, fmt.Errorf("decode seq doc: %w", err)
		}
		last = sd.Last
	} else if status.Code(err) != codes.NotFound {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	// The counter can lag one append behind if a writer died between
	// the record create and the counter update; the newest record wins.
	iter := s.client.Collection(appendCollection).
		Where("namespace", "==", namespace).
		OrderBy("sequence", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	rsnap, err := iter.Next()
	if err == nil {
		var doc appendDoc
		if err := rsnap.DataTo(&doc); err != nil {
			return 0, fmt.Errorf("decode record: %w", err)
		}
		if doc.Sequence > last {
			last = doc.Sequence
		}
	} else if err != iterator.Done {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return uint64(last) + 1, nil
}

// DropAppended removes records with Sequence <= upTo.
func (s *Store) DropAppended(ctx context.Context, namespace string, upTo uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	iter := s.client.Collection(appendCollection).
		Where("namespace", "==", namespace).
		Where("sequence", "<=", int64(upTo)).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("drop appended: %w", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			return fmt.Errorf("drop appended: %w", err)
		}
	}
	bw.End()
	return nil
}

// DeleteNamespace removes every key and record in a namespace.
func (s *Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	bw := s.client.BulkWriter(ctx)
	for _, coll := range []string{kvCollection, appendCollection, seqCollection} {
		iter := s.client.Collection(coll).
			Where("namespace", "==", namespace).Documents(ctx)
		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return fmt.Errorf("delete namespace: %w", err)
			}
			if _, err := bw.Delete(snap.Ref); err != nil {
				iter.Stop()
				return fmt.Errorf("delete namespace: %w", err)
			}
		}
		iter.Stop()
	}
	bw.End()
	return nil
}

// Close releases the client. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

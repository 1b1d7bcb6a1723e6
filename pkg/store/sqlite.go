package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func init() {
	_ = Register("sqlite", func(uri string) (Store, error) {
		return NewSQLiteStore(strings.TrimPrefix(uri, "sqlite://"))
	})
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS appends (
	namespace TEXT NOT NULL,
	sequence  INTEGER NOT NULL,
	payload   BLOB NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	PRIMARY KEY (namespace, sequence)
);

CREATE TABLE IF NOT EXISTS seqs (
	namespace TEXT NOT NULL PRIMARY KEY,
	last      INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a local SQLite database. The
// appends table's primary key on (namespace, sequence) is the
// concurrency control: a duplicate insert surfaces as
// ErrSequenceConflict.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if needed creates) a SQLite database at
// path. URIs use "sqlite:///var/data/sessions.db" so path keeps its
// leading slash for absolute locations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// SQLite allows a single writer; serializing through one
	// connection avoids SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// isConstraintErr reports whether err is a unique/primary key
// violation. mattn/go-sqlite3 wraps these as sqlite3.Error.
func isConstraintErr(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Put creates or replaces a value.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}

// Get retrieves a value.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return value, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// ListKeys returns keys with the given prefix in lexicographic order.
func (s *SQLiteStore) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// AtomicAppend commits rec at exactly rec.Sequence.
func (s *SQLiteStore) AtomicAppend(ctx context.Context, namespace string, rec Record) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The seqs row is the high-water mark; a compacted log never
	// resets the counter.
	var last uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT last FROM seqs WHERE namespace = ?), 0)`,
		namespace).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	if rec.Sequence != last+1 {
		return 0, ErrSequenceConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO appends (namespace, sequence, payload, timestamp) VALUES (?, ?, ?, ?)`,
		namespace, rec.Sequence, rec.Payload, rec.Timestamp.UTC())
	if err != nil {
		if isConstraintErr(err) {
			return 0, ErrSequenceConflict
		}
		return 0, fmt.Errorf("insert record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO seqs (namespace, last) VALUES (?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET last = excluded.last`,
		namespace, rec.Sequence)
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintErr(err) {
			return 0, ErrSequenceConflict
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return rec.Sequence, nil
}

// ListAppended returns records with Sequence >= from in order.
func (s *SQLiteStore) ListAppended(ctx context.Context, namespace string, from uint64) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, payload, timestamp FROM appends
		 WHERE namespace = ? AND sequence >= ? ORDER BY sequence`,
		namespace, from)
	if err != nil {
		return nil, fmt.Errorf("list appended: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var ts time.Time
		if err := rows.Scan(&rec.Sequence, &rec.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = ts
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// NextSequence returns the sequence the next append must propose.
func (s *SQLiteStore) NextSequence(ctx context.Context, namespace string) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var last uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT last FROM seqs WHERE namespace = ?), 0)`,
		namespace).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return last + 1, nil
}

// DropAppended removes records with Sequence <= upTo.
func (s *SQLiteStore) DropAppended(ctx context.Context, namespace string, upTo uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM appends WHERE namespace = ? AND sequence <= ?`, namespace, upTo)
	if err != nil {
		return fmt.Errorf("drop appended: %w", err)
	}
	return nil
}

// DeleteNamespace removes every key and record in a namespace.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM appends WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete appends: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM seqs WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("delete seqs: %w", err)
	}
	return tx.Commit()
}

// Close closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

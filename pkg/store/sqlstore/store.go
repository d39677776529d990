// Package sqlstore implements cache.Store on a SQL database through sqlx.
// The same statements run on SQLite (mattn/go-sqlite3) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key          TEXT PRIMARY KEY,
	etag         TEXT NOT NULL DEFAULT '',
	status_code  INTEGER NOT NULL,
	body         BYTEA,
	headers      BYTEA,
	last_fetched BIGINT NOT NULL,
	last_touched BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_touched ON cache_entries (last_touched);
`

const (
	selectByKey = `SELECT key, etag, status_code, body, headers, last_fetched, last_touched
		FROM cache_entries WHERE key = ?`

	upsert = `INSERT INTO cache_entries (key, etag, status_code, body, headers, last_fetched, last_touched)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			etag = excluded.etag,
			status_code = excluded.status_code,
			body = excluded.body,
			headers = excluded.headers,
			last_fetched = excluded.last_fetched,
			last_touched = excluded.last_touched`

	selectTouchedBefore = `SELECT key FROM cache_entries WHERE last_touched < ? ORDER BY key`

	deleteTouchedBefore = `DELETE FROM cache_entries WHERE last_touched < ?`
)

// row is the database shape of a cache.Record.
type row struct {
	Key         string `db:"key"`
	ETag        string `db:"etag"`
	StatusCode  int    `db:"status_code"`
	Body        []byte `db:"body"`
	Headers     []byte `db:"headers"`
	LastFetched int64  `db:"last_fetched"`
	LastTouched int64  `db:"last_touched"`
}

// Store is a SQL-backed cache.Store. Writes run in a transaction that is
// opened on the first write and committed by Save.
type Store struct {
	db *sqlx.DB

	mu sync.Mutex
	tx *sqlx.Tx
}

// New creates a store on db.
func New(db *sqlx.DB) *Store {
	if db == nil {
		panic("database cannot be nil")
	}
	return &Store{db: db}
}

// Open connects to the database and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the cache table and index if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close rolls back any open transaction and closes the database.
func (s *Store) Close() error {
	if err := s.Rollback(); err != nil {
		return err
	}
	return s.db.Close()
}

// Find implements cache.Store.
func (s *Store) Find(ctx context.Context, key string) (*cache.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r row
	var err error
	if s.tx != nil {
		err = s.tx.GetContext(ctx, &r, s.tx.Rebind(selectByKey), key)
	} else {
		err = s.db.GetContext(ctx, &r, s.db.Rebind(selectByKey), key)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select cache entry: %w", err)
	}

	return r.record(), nil
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, rec *cache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	r := fromRecord(rec)
	if _, err := tx.ExecContext(ctx, tx.Rebind(upsert),
		r.Key, r.ETag, r.StatusCode, r.Body, r.Headers, r.LastFetched, r.LastTouched,
	); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteTouchedBefore implements cache.Store.
func (s *Store) DeleteTouchedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	threshold := toUnixNano(cutoff)

	var keys []string
	if err := tx.SelectContext(ctx, &keys, tx.Rebind(selectTouchedBefore), threshold); err != nil {
		return nil, fmt.Errorf("select expired cache entries: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(deleteTouchedBefore), threshold); err != nil {
		return nil, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return keys, nil
}

// Save implements cache.Store.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction, if any.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// begin must be called with s.mu held.
func (s *Store) begin(ctx context.Context) (*sqlx.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	// The transaction outlives the calling request; it ends at Save or Rollback.
	tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

func fromRecord(rec *cache.Record) row {
	return row{
		Key:         rec.Key,
		ETag:        rec.ETag,
		StatusCode:  rec.StatusCode,
		Body:        rec.Body,
		Headers:     rec.Headers,
		LastFetched: toUnixNano(rec.LastFetched),
		LastTouched: toUnixNano(rec.LastTouched),
	}
}

func (r row) record() *cache.Record {
	return &cache.Record{
		Key:         r.Key,
		ETag:        r.ETag,
		StatusCode:  r.StatusCode,
		Body:        r.Body,
		Headers:     r.Headers,
		LastFetched: fromUnixNano(r.LastFetched),
		LastTouched: fromUnixNano(r.LastTouched),
	}
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

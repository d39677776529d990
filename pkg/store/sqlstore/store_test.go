package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
	"github.com/Sternrassler/trailer-cache/pkg/store/sqlstore"
)

var entryColumns = []string{
	"key", "etag", "status_code", "body", "headers", "last_fetched", "last_touched",
}

func newStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return sqlstore.New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_Panic(t *testing.T) {
	assert.Panics(t, func() { sqlstore.New(nil) })
}

func TestStore_EnsureSchema(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	expectationsMet(t, mock)
}

func TestStore_FindMissing(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("SELECT .+ FROM cache_entries WHERE key").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Find(context.Background(), "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	expectationsMet(t, mock)
}

func TestStore_FindExisting(t *testing.T) {
	s, mock := newStore(t)
	fetched := time.Unix(1700000000, 0)
	touched := time.Unix(1700000100, 0)

	mock.ExpectQuery("SELECT .+ FROM cache_entries WHERE key").
		WithArgs("repoA/prs").
		WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(
			"repoA/prs", "etag123", 200, []byte(`[]`), []byte(`{}`),
			fetched.UnixNano(), touched.UnixNano(),
		))

	rec, err := s.Find(context.Background(), "repoA/prs")
	require.NoError(t, err)
	assert.Equal(t, "etag123", rec.ETag)
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, []byte(`[]`), rec.Body)
	assert.True(t, rec.LastFetched.Equal(fetched))
	assert.True(t, rec.LastTouched.Equal(touched))
	expectationsMet(t, mock)
}

func TestStore_FindError(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("SELECT .+ FROM cache_entries WHERE key").
		WithArgs("k").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Find(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)
	expectationsMet(t, mock)
}

func TestStore_PutThenSaveCommits(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	rec := &cache.Record{
		Key:         "repoA/prs",
		ETag:        "etag123",
		StatusCode:  200,
		Body:        []byte(`[]`),
		Headers:     []byte(`{}`),
		LastFetched: now,
		LastTouched: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cache_entries").
		WithArgs("repoA/prs", "etag123", 200, []byte(`[]`), []byte(`{}`), now.UnixNano(), now.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Reads inside the open transaction see the staged write
	mock.ExpectQuery("SELECT .+ FROM cache_entries WHERE key").
		WithArgs("repoA/prs").
		WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(
			"repoA/prs", "etag123", 200, []byte(`[]`), []byte(`{}`), now.UnixNano(), now.UnixNano(),
		))
	mock.ExpectCommit()

	require.NoError(t, s.Put(ctx, rec))
	_, err := s.Find(ctx, "repoA/prs")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))

	// Nothing open: Save is a no-op
	require.NoError(t, s.Save(ctx))
	expectationsMet(t, mock)
}

func TestStore_Rollback(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cache_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	require.NoError(t, s.Put(ctx, &cache.Record{Key: "k", LastTouched: time.Now()}))
	require.NoError(t, s.Rollback())
	expectationsMet(t, mock)
}

func TestStore_DeleteTouchedBefore(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()
	cutoff := time.Unix(1700000000, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key FROM cache_entries WHERE last_touched").
		WithArgs(cutoff.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("a").AddRow("b"))
	mock.ExpectExec("DELETE FROM cache_entries WHERE last_touched").
		WithArgs(cutoff.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	keys, err := s.DeleteTouchedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	require.NoError(t, s.Save(ctx))
	expectationsMet(t, mock)
}

func TestStore_DeleteTouchedBefore_NothingOld(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()
	cutoff := time.Unix(1700000000, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT key FROM cache_entries WHERE last_touched").
		WithArgs(cutoff.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	keys, err := s.DeleteTouchedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, keys)
	expectationsMet(t, mock)
}

func TestStore_CommitFailure(t *testing.T) {
	s, mock := newStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cache_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	require.NoError(t, s.Put(ctx, &cache.Record{Key: "k", LastTouched: time.Now()}))
	err := s.Save(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	expectationsMet(t, mock)
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHorizon is how long an untouched entry survives CleanOldEntries.
const DefaultHorizon = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned by a Store when no record exists for a key
	ErrNotFound = errors.New("cache record not found")

	// ErrEmptyKey is returned when an operation is called with an empty key
	ErrEmptyKey = errors.New("cache key cannot be empty")

	// ErrBodyDecode indicates the cached body is not valid JSON
	ErrBodyDecode = errors.New("decode cached body")

	// ErrHeaderDecode indicates the cached header blob is corrupt
	ErrHeaderDecode = errors.New("decode cached headers")
)

// Store is the transactional persistence behind a Cache.
//
// Writes are staged until Save is called. Find must observe staged writes
// and deletions made through the same Store.
type Store interface {
	// Find returns the record for key, or ErrNotFound.
	Find(ctx context.Context, key string) (*Record, error)

	// Put inserts r, replacing any record with the same key.
	Put(ctx context.Context, r *Record) error

	// DeleteTouchedBefore removes every record with LastTouched strictly
	// before cutoff and returns the removed keys.
	DeleteTouchedBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// Save commits staged changes.
	Save(ctx context.Context) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHeaderCodec sets the header serialization codec.
func WithHeaderCodec(codec HeaderCodec) Option {
	return func(c *Cache) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Cache maps opaque keys to the most recent response stored for them.
//
// All operations run in one serialized critical section, so the
// lookup-then-create upsert in SetEntry cannot lose updates.
type Cache struct {
	mu     sync.Mutex
	store  Store
	clock  Clock
	codec  HeaderCodec
	logger zerolog.Logger
}

// New creates a cache on top of store.
func New(store Store, opts ...Option) *Cache {
	if store == nil {
		panic("cache store cannot be nil")
	}
	c := &Cache{
		store:  store,
		clock:  SystemClock{},
		codec:  JSONHeaderCodec{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetEntry stores a freshly fetched response for key, creating the record
// if none exists. Both LastFetched and LastTouched are set to now.
func (c *Cache) SetEntry(ctx context.Context, key string, code int, etag string, body []byte, headers http.Header) error {
	if key == "" {
		return ErrEmptyKey
	}

	encoded, err := c.codec.Encode(headers)
	if err != nil {
		CacheErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("encode headers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Find(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = &Record{Key: key}
	case err != nil:
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("find %q: %w", key, err)
	}

	now := c.clock.Now()
	rec.StatusCode = code
	rec.Body = cloneBytes(body)
	rec.ETag = etag
	rec.Headers = encoded
	rec.LastFetched = now
	rec.LastTouched = now

	if err := c.store.Put(ctx, rec); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("put %q: %w", key, err)
	}

	CacheWrites.Inc()
	c.logger.Debug().
		Str("key", key).
		Int("status_code", code).
		Str("etag", etag).
		Int("size", len(body)).
		Msg("Cached response")

	return nil
}

// EntryForKey returns the cached response for key. A missing entry is
// reported as ok == false with a nil error.
//
// This read has a write side effect: on a hit the entry's LastTouched is
// advanced to now and staged in the store, so it is committed by the next
// Save. LastFetched is left unchanged. Use Peek to read without touching.
func (c *Cache) EntryForKey(ctx context.Context, key string) (Unit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok, err := c.touch(ctx, key)
	if err != nil || !ok {
		return Unit{}, false, err
	}
	return rec.Unit(c.codec), true, nil
}

// MarkKeyAsFetched records that a 304 Not Modified confirmed the cached
// payload for key is still current. Body, ETag, code and headers are kept.
// The lookup touches the entry as well. Unknown keys are ignored.
func (c *Cache) MarkKeyAsFetched(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok, err := c.touch(ctx, key)
	if err != nil || !ok {
		return err
	}

	rec.LastFetched = c.clock.Now()
	if err := c.store.Put(ctx, rec); err != nil {
		CacheErrors.WithLabelValues("mark_fetched").Inc()
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Peek returns the cached response for key without touching it.
func (c *Cache) Peek(ctx context.Context, key string) (Unit, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok, err := c.find(ctx, key)
	if err != nil || !ok {
		return Unit{}, false, err
	}
	return rec.Unit(c.codec), true, nil
}

// Record returns a copy of the stored record for key without touching it.
func (c *Cache) Record(ctx context.Context, key string) (*Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.find(ctx, key)
}

// CleanOldEntries deletes every entry not touched within horizon and
// returns how many were removed. A non-positive horizon means DefaultHorizon.
func (c *Cache) CleanOldEntries(ctx context.Context, horizon time.Duration) (int, error) {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-horizon)
	keys, err := c.store.DeleteTouchedBefore(ctx, cutoff)
	if err != nil {
		CacheErrors.WithLabelValues("evict").Inc()
		return 0, fmt.Errorf("delete entries touched before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	for _, key := range keys {
		c.logger.Debug().Str("key", key).Msg("Expiring unused cache entry")
	}
	CacheEvictions.Add(float64(len(keys)))

	if len(keys) > 0 {
		c.logger.Info().
			Int("evicted", len(keys)).
			Dur("horizon", horizon).
			Msg("Cleaned old cache entries")
	}

	return len(keys), nil
}

// Save commits all staged changes to the store.
func (c *Cache) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Save(ctx); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("save cache: %w", err)
	}
	return nil
}

// find must be called with c.mu held.
func (c *Cache) find(ctx context.Context, key string) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	rec, err := c.store.Find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		CacheMisses.Inc()
		c.logger.Debug().Str("key", key).Bool("cache_hit", false).Msg("Cache miss")
		return nil, false, nil
	}
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("find %q: %w", key, err)
	}

	CacheHits.Inc()
	c.logger.Debug().Str("key", key).Bool("cache_hit", true).Msg("Cache hit")
	return rec, true, nil
}

// touch must be called with c.mu held.
func (c *Cache) touch(ctx context.Context, key string) (*Record, bool, error) {
	rec, ok, err := c.find(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}

	rec.LastTouched = c.clock.Now()
	if err := c.store.Put(ctx, rec); err != nil {
		CacheErrors.WithLabelValues("touch").Inc()
		return nil, false, fmt.Errorf("touch %q: %w", key, err)
	}
	return rec, true, nil
}

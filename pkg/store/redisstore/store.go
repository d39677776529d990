// Package redisstore implements cache.Store on Redis.
//
// Each record is a hash under <prefix>entry:<key>. A sorted set under
// <prefix>touched, scored by last touched time in microseconds, indexes
// records for the eviction sweep. Staged changes are flushed in a single
// MULTI/EXEC transaction on Save.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "trailer:cache:"

// Hash fields of a stored record.
const (
	fieldETag        = "etag"
	fieldCode        = "code"
	fieldBody        = "body"
	fieldHeaders     = "headers"
	fieldLastFetched = "last_fetched"
	fieldLastTouched = "last_touched"
)

// Store is a Redis-backed cache.Store.
type Store struct {
	redis  *redis.Client
	prefix string

	mu      sync.Mutex
	pending map[string]*cache.Record
}

// New creates a store using prefix for all Redis keys. An empty prefix
// means DefaultPrefix.
func New(redisClient *redis.Client, prefix string) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		redis:   redisClient,
		prefix:  prefix,
		pending: make(map[string]*cache.Record),
	}
}

func (s *Store) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *Store) indexKey() string {
	return s.prefix + "touched"
}

// Find implements cache.Store.
func (s *Store) Find(ctx context.Context, key string) (*cache.Record, error) {
	s.mu.Lock()
	rec, staged := s.pending[key]
	s.mu.Unlock()

	if staged {
		if rec == nil {
			return nil, cache.ErrNotFound
		}
		return rec.Clone(), nil
	}

	fields, err := s.redis.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, cache.ErrNotFound
	}

	return decodeRecord(key, fields)
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, r *cache.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[r.Key] = r.Clone()
	return nil
}

// DeleteTouchedBefore implements cache.Store.
func (s *Store) DeleteTouchedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	candidates, err := s.redis.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, key := range candidates {
		if _, staged := s.pending[key]; staged {
			continue
		}

		raw, err := s.redis.HGet(ctx, s.entryKey(key), fieldLastTouched).Result()
		if err == redis.Nil {
			// Index entry without a hash; drop it with the sweep
			s.pending[key] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis hget: %w", err)
		}

		touched, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s of %q: %w", fieldLastTouched, key, err)
		}
		if touched.Before(cutoff) {
			s.pending[key] = nil
			keys = append(keys, key)
		}
	}

	for key, rec := range s.pending {
		if rec != nil && rec.TouchedBefore(cutoff) {
			s.pending[key] = nil
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Save implements cache.Store.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, rec := range s.pending {
			if rec == nil {
				pipe.Del(ctx, s.entryKey(key))
				pipe.ZRem(ctx, s.indexKey(), key)
				continue
			}
			pipe.HSet(ctx, s.entryKey(key), encodeRecord(rec))
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(rec.LastTouched.UnixMicro()),
				Member: key,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}

	s.pending = make(map[string]*cache.Record)
	return nil
}

// Discard drops all staged changes.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[string]*cache.Record)
}

func encodeRecord(r *cache.Record) map[string]interface{} {
	return map[string]interface{}{
		fieldETag:        r.ETag,
		fieldCode:        r.StatusCode,
		fieldBody:        r.Body,
		fieldHeaders:     r.Headers,
		fieldLastFetched: formatTime(r.LastFetched),
		fieldLastTouched: formatTime(r.LastTouched),
	}
}

func decodeRecord(key string, fields map[string]string) (*cache.Record, error) {
	code, err := strconv.Atoi(fields[fieldCode])
	if err != nil {
		return nil, fmt.Errorf("parse %s of %q: %w", fieldCode, key, err)
	}
	fetched, err := parseTime(fields[fieldLastFetched])
	if err != nil {
		return nil, fmt.Errorf("parse %s of %q: %w", fieldLastFetched, key, err)
	}
	touched, err := parseTime(fields[fieldLastTouched])
	if err != nil {
		return nil, fmt.Errorf("parse %s of %q: %w", fieldLastTouched, key, err)
	}

	return &cache.Record{
		Key:         key,
		ETag:        fields[fieldETag],
		StatusCode:  code,
		Body:        []byte(fields[fieldBody]),
		Headers:     []byte(fields[fieldHeaders]),
		LastFetched: fetched,
		LastTouched: touched,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, n), nil
}

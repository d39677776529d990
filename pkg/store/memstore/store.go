// Package memstore provides an in-memory cache.Store with staged commits.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
)

// Store keeps committed records in a map and stages changes until Save.
type Store struct {
	mu        sync.Mutex
	committed map[string]*cache.Record
	// pending maps a key to its staged record; nil marks a staged delete
	pending map[string]*cache.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		committed: make(map[string]*cache.Record),
		pending:   make(map[string]*cache.Record),
	}
}

// Find implements cache.Store.
func (s *Store) Find(ctx context.Context, key string) (*cache.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, staged := s.pending[key]; staged {
		if rec == nil {
			return nil, cache.ErrNotFound
		}
		return rec.Clone(), nil
	}
	if rec, ok := s.committed[key]; ok {
		return rec.Clone(), nil
	}
	return nil, cache.ErrNotFound
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, rec := range s.view() {
		if rec.TouchedBefore(cutoff) {
			s.pending[key] = nil
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Save implements cache.Store.
func (s *Store) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.pending {
		if rec == nil {
			delete(s.committed, key)
			continue
		}
		s.committed[key] = rec
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

// Len returns the number of records visible to Find, staged changes included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.view())
}

// view merges committed and staged records. Must be called with s.mu held.
func (s *Store) view() map[string]*cache.Record {
	merged := make(map[string]*cache.Record, len(s.committed)+len(s.pending))
	for key, rec := range s.committed {
		merged[key] = rec
	}
	for key, rec := range s.pending {
		if rec == nil {
			delete(merged, key)
			continue
		}
		merged[key] = rec
	}
	return merged
}

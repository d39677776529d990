// Package server is the HTTP surface of `trailer-cache serve`.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
	"github.com/Sternrassler/trailer-cache/pkg/client"
	"github.com/Sternrassler/trailer-cache/pkg/logging"
	"github.com/Sternrassler/trailer-cache/pkg/metrics"
	"github.com/rs/zerolog"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server routes requests to the caching client and exposes cache state.
type Server struct {
	client  *client.Client
	cache   *cache.Cache
	ready   Pinger
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReadiness sets the check used by /ready.
func WithReadiness(p Pinger) Option {
	return func(s *Server) { s.ready = p }
}

// WithUpstreamTimeout bounds each proxied upstream request.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a server backed by c. The cache inspected by /cache/ is c.Cache().
func New(c *client.Client, opts ...Option) *Server {
	s := &Server{
		client:  c,
		cache:   c.Cache(),
		timeout: 30 * time.Second,
		logger:  logging.NewLogger("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/", s.handleProxy)
	mux.HandleFunc("/cache/", s.handleCacheEntry)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleProxy forwards GET /api/<path>?<query> upstream through the client.
// /api/repos/o/r/pulls -> /repos/o/r/pulls
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api")
	if path == "" || path == "/" {
		http.Error(w, "missing upstream path", http.StatusBadRequest)
		return
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, path)
	if err != nil {
		status := http.StatusBadGateway
		if client.IsRateLimited(err) {
			status = http.StatusTooManyRequests
		}
		s.logger.Warn().Err(err).Str("path", path).Msg("Upstream request failed")
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), status)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to write response")
	}
}

// EntrySummary is the JSON body of /cache/<key>.
type EntrySummary struct {
	Key         string    `json:"key"`
	StatusCode  int       `json:"status_code"`
	ETag        string    `json:"etag"`
	BodyBytes   int       `json:"body_bytes"`
	LastFetched time.Time `json:"last_fetched"`
	LastTouched time.Time `json:"last_touched"`
}

// Summarize describes rec without its payload.
func Summarize(rec *cache.Record) EntrySummary {
	return EntrySummary{
		Key:         rec.Key,
		StatusCode:  rec.StatusCode,
		ETag:        rec.ETag,
		BodyBytes:   len(rec.Body),
		LastFetched: rec.LastFetched,
		LastTouched: rec.LastTouched,
	}
}

// handleCacheEntry reports one entry without touching it.
// The key follows the prefix verbatim, e.g. /cache/gh:GET:repos/o/r/pulls.
func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")

	rec, ok, err := s.cache.Record(r.Context(), key)
	switch {
	case errors.Is(err, cache.ErrEmptyKey):
		http.Error(w, "missing cache key", http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error().Err(err).Str("key", key).Msg("Cache lookup failed")
		http.Error(w, "cache lookup failed", http.StatusInternalServerError)
		return
	case !ok:
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Summarize(rec)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode cache summary")
	}
}

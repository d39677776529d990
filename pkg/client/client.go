// Package client provides the API HTTP client with conditional requests,
// response caching, rate limiting and error handling.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/trailer-cache/pkg/cache"
	"github.com/Sternrassler/trailer-cache/pkg/logging"
	"github.com/Sternrassler/trailer-cache/pkg/pagination"
	"github.com/Sternrassler/trailer-cache/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailer_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trailer_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailer_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the public GitHub REST API.
const DefaultBaseURL = "https://api.github.com"

// Client is the caching API client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *ratelimit.Tracker
	pacer       *rate.Limiter
	cache       *cache.Cache
	scope       string
	retry       RetryConfig
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API (default: DefaultBaseURL)
	BaseURL string

	// User-Agent header (REQUIRED by the API)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Token is sent as "Authorization: token <Token>" when set.
	// Its fingerprint scopes cache keys so credentials never share entries.
	Token string

	// Cache stores responses for conditional requests (REQUIRED)
	Cache *cache.Cache

	// Redis enables shared rate limit tracking when set
	Redis *redis.Client

	// RequestsPerSecond paces outgoing requests (0 = unlimited)
	RequestsPerSecond float64

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration

	// HTTPClient overrides the default client (30s timeout)
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(c *cache.Cache, userAgent string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		UserAgent:         userAgent,
		Cache:             c,
		RequestsPerSecond: 10,
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	logger := logging.NewLogger("api-client")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries + 1
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}

	var tracker *ratelimit.Tracker
	if cfg.Redis != nil {
		tracker = ratelimit.NewTracker(cfg.Redis, logger)
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rateLimiter: tracker,
		pacer:       pacer,
		cache:       cfg.Cache,
		scope:       cache.ScopeForToken(cfg.Token),
		retry:       retry,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do performs an HTTP request with rate limiting, caching, and error handling.
//
// GET responses are cached. A cached entry with an ETag turns the request
// into a conditional one; a 304 answer is served from the cache and marks
// the entry as fetched. Non-retriable error responses are returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := req.URL.Path

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			// Redis unavailable, fall back to the local pacer only
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		} else if !allowed {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Msg("Request blocked by rate limiter")
			requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	cacheable := req.Method == http.MethodGet || req.Method == ""
	key := cache.KeyForRequest(req, c.scope).String()

	var cached cache.Unit
	var hit bool
	if cacheable {
		var err error
		cached, hit, err = c.cache.EntryForKey(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, sending unconditional request")
			hit = false
		}
		if hit && cache.AddConditionalHeaders(req, cached) {
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("etag", cached.ETag()).
				Msg("Making conditional request")
		}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/vnd.github+json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "token "+c.config.Token)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing API request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.retry, c.logger, func() error {
		r, err := c.send(req)
		if err != nil {
			return err
		}

		if class := classifyResponse(r); class != "" {
			errorsTotal.WithLabelValues(string(class)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status_code", r.StatusCode).
				Str("error_class", string(class)).
				Msg("API request error")

			if shouldRetry(class) {
				requestsTotal.WithLabelValues(endpoint, strconv.Itoa(r.StatusCode)).Inc()
				apiErr := &APIError{
					StatusCode: r.StatusCode,
					ErrorClass: class,
					Message:    r.Status,
					RetryAfter: parseRetryAfter(r.Header),
				}
				_, _ = io.Copy(io.Discard, r.Body)
				r.Body.Close()
				return apiErr
			}
		}

		resp = r
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && hit:
		return c.serveNotModified(ctx, req, resp, key, cached)
	case resp.StatusCode == http.StatusOK && cacheable:
		c.store(ctx, resp, key)
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// send performs one attempt. Rate limit headers are recorded for every response.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}

	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		attempt.Body = body
	}

	resp, err := c.httpClient.Do(attempt)
	if err != nil {
		c.logger.Error().Err(err).Str("endpoint", req.URL.Path).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.URL.Path, "network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}
	return resp, nil
}

// serveNotModified answers a 304 from the cached unit.
func (c *Client) serveNotModified(ctx context.Context, req *http.Request, resp *http.Response, key string, cached cache.Unit) (*http.Response, error) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	cache.NotModifiedResponses.Inc()
	requestsTotal.WithLabelValues(req.URL.Path, "304").Inc()
	c.logger.Info().
		Str("endpoint", req.URL.Path).
		Str("etag", cached.ETag()).
		Msg("304 Not Modified - using cache")

	if err := c.cache.MarkKeyAsFetched(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to mark cache entry as fetched")
	} else if err := c.cache.Save(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save cache")
	}

	out, err := cache.UnitToResponse(cached, req)
	if err != nil {
		return nil, fmt.Errorf("rebuild cached response: %w", err)
	}
	return out, nil
}

// store caches a 200 response. The body stays readable for the caller.
func (c *Client) store(ctx context.Context, resp *http.Response, key string) {
	body, err := cache.ReadResponseBody(resp)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to read response body for cache")
		return
	}
	defer resp.Header.Set("X-Cache", "MISS")

	if err := c.cache.SetEntry(ctx, key, resp.StatusCode, resp.Header.Get("ETag"), body, resp.Header); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		return
	}
	if err := c.cache.Save(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save cache")
		return
	}

	c.logger.Debug().
		Str("key", key).
		Str("etag", resp.Header.Get("ETag")).
		Msg("Stored fresh response")
}

// Get performs a GET request to an API path. The path may carry a query.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// FetchPage fetches one page of a paginated path and reports the total
// page count advertised by the Link header. Non-200 responses are errors.
func (c *Client) FetchPage(ctx context.Context, path string, page int) ([]byte, int, error) {
	u, err := url.Parse(c.URL(path))
	if err != nil {
		return nil, 0, fmt.Errorf("parse path %q: %w", path, err)
	}
	q := u.Query()
	q.Set(pagination.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read page %d: %w", page, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyResponse(resp),
			Message:    strings.TrimSpace(string(body)),
		}
	}

	return body, pagination.TotalPages(resp.Header.Get("Link"), page), nil
}

// FetchAll fetches every page of path using a batch fetcher.
func (c *Client) FetchAll(ctx context.Context, path string, cfg pagination.Config) (map[int][]byte, error) {
	return pagination.NewBatchFetcher(c, cfg).FetchAllPages(ctx, path)
}

// URL resolves an API path against the base URL.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Cache returns the response cache.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Scope returns the cache key scope derived from the token.
func (c *Client) Scope() string {
	return c.scope
}

// IsRateLimited reports whether err was caused by rate limiting.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrorClass == ErrorClassRateLimit
}

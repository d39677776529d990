package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/trailer-cache/internal/testutil"
	"github.com/Sternrassler/trailer-cache/pkg/cache"
	"github.com/Sternrassler/trailer-cache/pkg/pagination"
	"github.com/Sternrassler/trailer-cache/pkg/store/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testUserAgent = "TrailerTest/1.0.0 (test@example.com)"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenStore fails every operation.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Find(context.Context, string) (*cache.Record, error) { return nil, errStoreDown }
func (brokenStore) Put(context.Context, *cache.Record) error            { return errStoreDown }
func (brokenStore) DeleteTouchedBefore(context.Context, time.Time) ([]string, error) {
	return nil, errStoreDown
}
func (brokenStore) Save(context.Context) error { return errStoreDown }

func newTestClient(t *testing.T, mock *testutil.MockAPI, mutate func(*Config)) *Client {
	t.Helper()

	cfg := Config{
		BaseURL:        mock.URL(),
		UserAgent:      testUserAgent,
		Cache:          cache.New(memstore.New()),
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestNew_Validation(t *testing.T) {
	c := cache.New(memstore.New())

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			config:      Config{UserAgent: testUserAgent, Cache: c},
			expectError: false,
		},
		{
			name:        "nil cache",
			config:      Config{UserAgent: testUserAgent},
			expectError: true,
			errorMsg:    "cache is required",
		},
		{
			name:        "empty user agent",
			config:      Config{Cache: c},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "negative retries",
			config:      Config{UserAgent: testUserAgent, Cache: c, MaxRetries: -1},
			expectError: true,
			errorMsg:    "max_retries must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if client.baseURL != DefaultBaseURL {
				t.Errorf("baseURL = %q, want default", client.baseURL)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	c := cache.New(memstore.New())
	cfg := DefaultConfig(c, testUserAgent)

	if cfg.Cache != c {
		t.Error("Cache not set correctly")
	}
	if cfg.UserAgent != testUserAgent {
		t.Errorf("UserAgent = %q, want %q", cfg.UserAgent, testUserAgent)
	}
	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.RequestsPerSecond <= 0 {
		t.Errorf("RequestsPerSecond = %v, should be > 0", cfg.RequestsPerSecond)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestClient_URL(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	client := newTestClient(t, mock, func(cfg *Config) {
		cfg.BaseURL = "https://ghe.example.com/api/v3/"
	})

	tests := []struct {
		path string
		want string
	}{
		{"/repos/o/r", "https://ghe.example.com/api/v3/repos/o/r"},
		{"repos/o/r?state=open", "https://ghe.example.com/api/v3/repos/o/r?state=open"},
		{"https://other.example.com/x", "https://other.example.com/x"},
	}
	for _, tt := range tests {
		if got := client.URL(tt.path); got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestDo_HeadersSet(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/user", testutil.NewHealthyResponse(`{"login": "octocat"}`))

	client := newTestClient(t, mock, func(cfg *Config) { cfg.Token = "secret-token" })

	resp, err := client.Get(context.Background(), "/user")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	resp.Body.Close()

	h := mock.LastRequestHeader()
	if h.Get("User-Agent") != testUserAgent {
		t.Errorf("User-Agent = %q, want %q", h.Get("User-Agent"), testUserAgent)
	}
	if h.Get("Accept") != "application/vnd.github+json" {
		t.Errorf("Accept = %q", h.Get("Accept"))
	}
	if h.Get("Authorization") != "token secret-token" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
}

func TestDo_ConditionalRequestFlow(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResource("/repos/o/r/pulls", `"v1"`, `[{"number": 1}]`)

	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := cache.New(memstore.New(), cache.WithClock(clock))
	client := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = c })
	ctx := context.Background()

	// First request: unconditional, stored
	resp1, err := client.Get(ctx, "/repos/o/r/pulls")
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("First status = %d, want 200", resp1.StatusCode)
	}
	if resp1.Header.Get("X-Cache") != "MISS" {
		t.Errorf("First X-Cache = %q, want MISS", resp1.Header.Get("X-Cache"))
	}
	if body := readBody(t, resp1); body != `[{"number": 1}]` {
		t.Errorf("First body = %q", body)
	}

	key := cache.Key{Method: http.MethodGet, Path: "/repos/o/r/pulls", Scope: client.Scope()}.String()
	unit, ok, err := c.Peek(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Peek() = (%v, %v), want stored entry", ok, err)
	}
	firstFetched := unit.LastFetched()

	// Second request: conditional, answered with 304, served from cache
	clock.Advance(time.Hour)
	resp2, err := client.Get(ctx, "/repos/o/r/pulls")
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("Second status = %d, want cached 200", resp2.StatusCode)
	}
	if resp2.Header.Get("X-Cache") != "HIT" {
		t.Errorf("Second X-Cache = %q, want HIT", resp2.Header.Get("X-Cache"))
	}
	if body := readBody(t, resp2); body != `[{"number": 1}]` {
		t.Errorf("Second body = %q", body)
	}

	if mock.GetConditionalCount() != 1 {
		t.Errorf("Conditional requests = %d, want 1", mock.GetConditionalCount())
	}

	unit, _, _ = c.Peek(ctx, key)
	if !unit.LastFetched().After(firstFetched) {
		t.Errorf("LastFetched = %v, want later than %v after 304", unit.LastFetched(), firstFetched)
	}
	if unit.ETag() != `"v1"` {
		t.Errorf("ETag = %q, want \"v1\"", unit.ETag())
	}
}

func TestDo_ChangedResourceReplacesEntry(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResource("/repos/o/r", `"v1"`, `{"stars": 1}`)

	client := newTestClient(t, mock, nil)
	ctx := context.Background()

	resp, err := client.Get(ctx, "/repos/o/r")
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	resp.Body.Close()

	mock.SetResource("/repos/o/r", `"v2"`, `{"stars": 2}`)

	resp, err = client.Get(ctx, "/repos/o/r")
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	if body := readBody(t, resp); body != `{"stars": 2}` {
		t.Errorf("body = %q, want new payload", body)
	}

	key := cache.Key{Path: "/repos/o/r"}.String()
	unit, ok, err := client.Cache().Peek(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Peek() = (%v, %v)", ok, err)
	}
	if unit.ETag() != `"v2"` || string(unit.Body()) != `{"stars": 2}` {
		t.Errorf("cached = (%q, %q), want v2 payload", unit.ETag(), unit.Body())
	}
}

func TestDo_TokenScopesCache(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResource("/user/repos", `"etag-a"`, `[]`)

	shared := cache.New(memstore.New())
	alice := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = shared; cfg.Token = "alice" })
	bob := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = shared; cfg.Token = "bob" })

	resp, err := alice.Get(context.Background(), "/user/repos")
	if err != nil {
		t.Fatalf("alice request failed: %v", err)
	}
	resp.Body.Close()

	resp, err = bob.Get(context.Background(), "/user/repos")
	if err != nil {
		t.Fatalf("bob request failed: %v", err)
	}
	resp.Body.Close()

	if mock.GetConditionalCount() != 0 {
		t.Errorf("bob must not revalidate alice's entry, conditional count = %d", mock.GetConditionalCount())
	}
	if alice.Scope() == bob.Scope() {
		t.Error("different tokens must yield different scopes")
	}
}

func TestDo_NonGETNotCached(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/repos/o/r/issues", testutil.NewHealthyResponse(`{"number": 7}`))

	client := newTestClient(t, mock, nil)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost,
		client.URL("/repos/o/r/issues"), strings.NewReader(`{"title": "bug"}`))

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	key := cache.Key{Method: http.MethodPost, Path: "/repos/o/r/issues"}.String()
	if _, ok, _ := client.Cache().Peek(context.Background(), key); ok {
		t.Error("POST responses must not be cached")
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	client := newTestClient(t, mock, nil)

	// Unknown paths answer 404
	resp, err := client.Get(context.Background(), "/missing")
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Expected 1 attempt (no retry for 4xx), got %d", mock.GetRequestCount())
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var attempts int32
	mock.SetHandler("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("ETag", `"ok"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success": true}`))
	})

	client := newTestClient(t, mock, nil)

	resp, err := client.Get(context.Background(), "/flaky")
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts)
	}
}

func TestDo_RetryOnRateLimit(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	var attempts int32
	mock.SetHandler("/busy", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	client := newTestClient(t, mock, nil)

	start := time.Now()
	resp, err := client.Get(context.Background(), "/busy")
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	resp.Body.Close()

	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("Expected 2 attempts (1 retry), got %d", attempts)
	}
	// Rate limit backoff is five times the 10ms base, minus jitter
	if d := time.Since(start); d < 40*time.Millisecond {
		t.Errorf("Expected rate limit backoff, got %v", d)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/down", testutil.NewServerErrorResponse())

	client := newTestClient(t, mock, nil)

	_, err := client.Get(context.Background(), "/down")
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorClass != ErrorClassServer {
		t.Errorf("Expected wrapped server APIError, got %v", err)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("Expected 3 attempts, got %d", mock.GetRequestCount())
	}
}

func TestDo_RateLimitBlock(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/user", testutil.NewHealthyResponse(`{}`))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	client := newTestClient(t, mock, func(cfg *Config) { cfg.Redis = redisClient })

	// Shared state says the budget is nearly gone
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "3")
	h.Set("X-RateLimit-Reset", "9999999999")
	if err := client.rateLimiter.UpdateFromHeaders(context.Background(), h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	_, err := client.Get(context.Background(), "/user")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Error("IsRateLimited() = false")
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("blocked request reached the server %d times", mock.GetRequestCount())
	}
}

func TestDo_UpdatesRateLimitState(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/user", testutil.NewHealthyResponse(`{}`))
	mock.SetRateLimit(321, time.Now().Add(30*time.Minute))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer redisClient.Close()

	client := newTestClient(t, mock, func(cfg *Config) { cfg.Redis = redisClient })

	resp, err := client.Get(context.Background(), "/user")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	resp.Body.Close()

	state, err := client.rateLimiter.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 321 {
		t.Errorf("Remaining = %d, want 321", state.Remaining)
	}
}

func TestDo_CacheFailureFallsBackToDirectRequest(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResource("/repos/o/r", `"v1"`, `{"ok": true}`)

	client := newTestClient(t, mock, func(cfg *Config) { cfg.Cache = cache.New(brokenStore{}) })

	for i := 0; i < 2; i++ {
		resp, err := client.Get(context.Background(), "/repos/o/r")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if body := readBody(t, resp); body != `{"ok": true}` {
			t.Errorf("request %d body = %q", i, body)
		}
	}
	if mock.GetConditionalCount() != 0 {
		t.Errorf("conditional requests = %d, want 0 without a working cache", mock.GetConditionalCount())
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/slow", testutil.MockResponse{StatusCode: http.StatusOK, Delay: 200 * time.Millisecond})

	client := newTestClient(t, mock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, "/slow")
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}

func TestFetchPage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetPages("/repos/o/r/pulls", []string{`[1]`, `[2]`, `[3]`})

	client := newTestClient(t, mock, nil)
	ctx := context.Background()

	data, total, err := client.FetchPage(ctx, "/repos/o/r/pulls", 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if string(data) != `[1]` || total != 3 {
		t.Errorf("FetchPage(1) = (%q, %d), want ([1], 3)", data, total)
	}

	data, total, err = client.FetchPage(ctx, "/repos/o/r/pulls", 3)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if string(data) != `[3]` || total != 3 {
		t.Errorf("FetchPage(3) = (%q, %d), want ([3], 3)", data, total)
	}

	// Revalidated pages come from the cache with the original Link header
	data, total, err = client.FetchPage(ctx, "/repos/o/r/pulls", 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}
	if string(data) != `[1]` || total != 3 {
		t.Errorf("cached FetchPage(1) = (%q, %d), want ([1], 3)", data, total)
	}
	if mock.GetConditionalCount() != 1 {
		t.Errorf("conditional count = %d, want 1", mock.GetConditionalCount())
	}
}

func TestFetchPage_ErrorStatus(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	client := newTestClient(t, mock, nil)

	_, _, err := client.FetchPage(context.Background(), "/missing", 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v, want 404 client error", apiErr)
	}
}

func TestFetchAll(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetPages("/orgs/acme/repos", []string{`["a"]`, `["b"]`, `["c"]`, `["d"]`})

	client := newTestClient(t, mock, nil)

	pages, err := client.FetchAll(context.Background(), "/orgs/acme/repos", pagination.Config{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(pages) != 4 {
		t.Fatalf("got %d pages, want 4", len(pages))
	}
	if string(pages[4]) != `["d"]` {
		t.Errorf("page 4 = %q", pages[4])
	}
}

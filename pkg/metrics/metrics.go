// Package metrics exposes the Prometheus metrics of the caching client.
// All metrics are defined in their respective packages (cache, client,
// ratelimit) and registered via promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source used by Handler.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Handler returns the Prometheus scrape handler for all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - trailer_cache_hits_total (Counter): Lookups that found an entry
//   - trailer_cache_misses_total (Counter): Lookups that found nothing
//   - trailer_cache_writes_total (Counter): Entries stored by SetEntry
//   - trailer_cache_evictions_total (Counter): Entries removed by CleanOldEntries
//   - trailer_304_responses_total (Counter): 304 Not Modified responses served from cache
//   - trailer_conditional_requests_total (Counter): Requests sent with If-None-Match
//   - trailer_cache_errors_total{operation} (Counter): Cache operation errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - trailer_rate_limit_remaining (Gauge): Requests left in the current window
//   - trailer_rate_limit_blocks_total (Counter): Requests blocked at critical budget
//   - trailer_rate_limit_throttles_total (Counter): Requests delayed at warning budget
//
// Request Metrics (pkg/client):
//   - trailer_requests_total{endpoint, status} (Counter): Requests by path and HTTP status
//   - trailer_request_duration_seconds{endpoint} (Histogram): Request duration by path
//   - trailer_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - trailer_retries_total{error_class} (Counter): Retry attempts by error class
//   - trailer_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - trailer_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Revalidation hit rate
//   rate(trailer_304_responses_total[5m]) / rate(trailer_conditional_requests_total[5m])
//
//   # Budget running low
//   trailer_rate_limit_remaining < 100
//
//   # Entries evicted per sweep window
//   increase(trailer_cache_evictions_total[1h])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(trailer_request_duration_seconds_bucket[5m]))

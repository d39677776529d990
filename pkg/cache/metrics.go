package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups that found an entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks lookups that found nothing
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// CacheWrites tracks entries written by SetEntry
	CacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_cache_writes_total",
			Help: "Total number of responses written to the cache",
		},
	)

	// CacheEvictions tracks entries removed by CleanOldEntries
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_cache_evictions_total",
			Help: "Total number of untouched cache entries evicted",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// ConditionalRequestsSent tracks requests sent with If-None-Match
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trailer_conditional_requests_total",
			Help: "Total number of conditional requests sent with If-None-Match",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailer_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "touch", "mark_fetched", "evict", "save", "encode"
	)
)

// Package cache provides a durable HTTP response cache for conditional
// requests against a rate-limited API.
//
// The cache keeps the last successful response per key (body, status code,
// ETag, headers) in a transactional Store and tracks two timestamps:
//
//   - last fetched: when the entry last held genuinely new data, or was
//     confirmed current by a 304 Not Modified
//   - last touched: when the entry was last written or consulted, used
//     only to drive eviction
//
// # Basic Usage
//
//	c := cache.New(memstore.New(), cache.WithLogger(logger))
//
//	unit, ok, err := c.EntryForKey(ctx, key)
//	if err != nil {
//		return err
//	}
//	if ok {
//		cache.AddConditionalHeaders(req, unit)
//	}
//
//	// After a 200 OK
//	if err := c.SetEntry(ctx, key, resp.StatusCode, resp.Header.Get("ETag"), body, resp.Header); err != nil {
//		return err
//	}
//
//	// After a 304 Not Modified
//	if err := c.MarkKeyAsFetched(ctx, key); err != nil {
//		return err
//	}
//
//	// Changes are durable only once the caller commits them
//	if err := c.Save(ctx); err != nil {
//		return err
//	}
//
// # Touching Reads
//
// EntryForKey is a read with a write side effect: every hit advances the
// entry's last touched stamp, which keeps entries that are still being
// validated alive. A caller that wants to inspect an entry without
// extending its lifetime uses Peek.
//
// # Eviction
//
// CleanOldEntries removes every entry whose last touched stamp is strictly
// older than now minus the horizon (DefaultHorizon is one week). The last
// fetched stamp never drives eviction. It is a full sweep intended to run
// once per refresh cycle.
//
// # Metrics
//
//   - trailer_cache_hits_total - Cache hits
//   - trailer_cache_misses_total - Cache misses
//   - trailer_cache_writes_total - Entries written by SetEntry
//   - trailer_cache_evictions_total - Entries removed by CleanOldEntries
//   - trailer_cache_errors_total{operation} - Store and codec errors
//   - trailer_304_responses_total - Conditional request successes
//   - trailer_conditional_requests_total - Requests sent with If-None-Match
package cache

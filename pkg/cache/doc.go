// Package cache implements the client-side HTTP response cache.
//
// The package is organised around five pieces:
//
//   - Directives and Policy parse Cache-Control and decide storability and lifetime
//   - KeyGenerator derives keys from method, URI and configured vary headers
//   - CacheEntry is the stored response value
//   - Store is the backend contract (MemoryStore, FileStore, RedisStore, SQLiteStore)
//   - Orchestrator runs the per-request decision: hit, revalidate, fetch, store
//
// # Basic Usage
//
//	opts := cache.DefaultOptions()
//	opts.VaryHeaders = []string{"Accept-Language"}
//
//	orchestrator := cache.NewOrchestrator(cache.Enabled(opts), cache.NewMemoryStore(500))
//
//	resp, status, err := orchestrator.LookupOrExecute(ctx, req, func(ctx context.Context, r *cache.Request) (*cache.Response, error) {
//		// perform the request over the network
//	})
//
// # Freshness and Revalidation
//
// A stored entry is served as-is while fresh. Once stale, an entry carrying an ETag or
// Last-Modified validator is revalidated with If-None-Match / If-Modified-Since; a 304
// answer produces a new entry with the original body and a new lifetime. Entries
// without validators are fetched again.
//
// When the transport fails and the stored entry is inside its stale-if-error window
// (or stale-while-revalidate window), the stale entry is served instead of the error.
// stale-while-revalidate does not start background refreshes: the refresh happens on
// the same request before it returns.
//
// # Metrics
//
// The package exports Prometheus metrics:
//
//   - http_cache_hits_total{store} - Responses served from cache
//   - http_cache_misses_total - Requests sent to the transport
//   - http_cache_stale_served_total{window} - Stale entries served after a failure
//   - http_cache_revalidations_total{result} - Conditional request outcomes
//   - http_cache_stores_total{store} - Entries written
//   - http_cache_written_bytes_total{store} - Bytes written to remote stores
//   - http_cache_evictions_total{store} - Capacity evictions
//   - http_cache_pruned_total{store} - Entries removed by Prune
//   - http_cache_errors_total{operation} - Cache operation errors
//
// # Status Annotation
//
// Responses are annotated with X-Cache-Status: HIT, MISS or STALE. The header is
// informational only and is never read back by the cache.
package cache

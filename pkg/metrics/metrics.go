// Package metrics exposes the Prometheus registry used by the HTTP cache client.
// Metrics are defined in their respective packages (cache, client) via promauto
// to keep packages independent; this package documents them and serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the cache and client packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - http_cache_hits_total{store} (Counter): Responses served from the cache
//   - http_cache_misses_total (Counter): Requests sent to the transport
//   - http_cache_stale_served_total{window} (Counter): Stale entries served after a transport failure
//   - http_cache_revalidations_total{result} (Counter): Conditional requests (not_modified, modified, error)
//   - http_cache_stores_total{store} (Counter): Entries written
//   - http_cache_written_bytes_total{store} (Counter): Serialized bytes written to remote stores
//   - http_cache_evictions_total{store} (Counter): Entries evicted for capacity
//   - http_cache_pruned_total{store} (Counter): Expired entries removed by prune
//   - http_cache_errors_total{operation} (Counter): Store operation errors
//
// Request Metrics (pkg/client):
//   - http_client_requests_total{method, cache_status} (Counter): Requests by cache outcome
//   - http_client_request_duration_seconds{method} (Histogram): Request duration including cache lookups
//   - http_client_attempts_total{status} (Counter): Transport attempts by HTTP status
//   - http_client_errors_total{class} (Counter): Failed attempts by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - http_client_retries_total{error_class} (Counter): Retry attempts by error class
//   - http_client_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - http_client_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(http_cache_hits_total[5m])) /
//   (sum(rate(http_cache_hits_total[5m])) + sum(rate(http_cache_misses_total[5m])))
//
//   # Revalidations answered with 304
//   rate(http_cache_revalidations_total{result="not_modified"}[5m])
//
//   # Stale fallbacks
//   rate(http_cache_stale_served_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(http_client_request_duration_seconds_bucket[5m]))

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks responses served from cache by store
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_hits_total",
			Help: "Total number of responses served from the HTTP cache",
		},
		[]string{"store"}, // "memory", "file", "redis", "sqlite"
	)

	// CacheMisses tracks requests that went to the transport
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_cache_misses_total",
			Help: "Total number of HTTP cache misses",
		},
	)

	// StaleServed tracks stale entries served instead of a transport failure
	StaleServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_stale_served_total",
			Help: "Total number of stale responses served after a transport failure",
		},
		[]string{"window"}, // "stale-if-error", "stale-while-revalidate"
	)

	// Revalidations tracks conditional requests by outcome
	Revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_revalidations_total",
			Help: "Total number of conditional revalidation requests by result",
		},
		[]string{"result"}, // "not_modified", "modified", "error"
	)

	// CacheStores tracks entries written
	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_stores_total",
			Help: "Total number of entries written to the HTTP cache",
		},
		[]string{"store"},
	)

	// CacheBytesWritten tracks serialized bytes written by remote stores
	CacheBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_written_bytes_total",
			Help: "Total serialized bytes written to remote cache stores",
		},
		[]string{"store"},
	)

	// CacheEvictions tracks capacity evictions
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_evictions_total",
			Help: "Total number of entries evicted to respect store capacity",
		},
		[]string{"store"},
	)

	// CachePruned tracks entries removed by Prune
	CachePruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_pruned_total",
			Help: "Total number of expired entries removed by prune",
		},
		[]string{"store"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "prune"
	)
)

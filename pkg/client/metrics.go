package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for client operations.
var (
	clientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_client_requests_total",
		Help: "Total requests by method and cache status",
	}, []string{"method", "cache_status"})

	clientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_client_request_duration_seconds",
		Help:    "Request duration in seconds by method, cache lookups included",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	clientAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_client_attempts_total",
		Help: "Total transport attempts by HTTP status",
	}, []string{"status"})

	clientErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_client_errors_total",
		Help: "Total failed attempts by error class",
	}, []string{"class"})

	clientRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_client_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	clientRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_client_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	clientRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_client_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks local API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total local API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// CacheLookupsTotal tracks bounded cache reads by outcome.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Bounded cache lookups by result (hit, miss, expired)",
		},
		[]string{"cache", "result"},
	)

	// CacheEvictionsTotal tracks entries removed to honour TTL or capacity.
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Bounded cache evictions by reason",
		},
		[]string{"cache", "reason"},
	)

	// FetchAttemptsTotal tracks completed fetch attempts.
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_attempts_total",
			Help: "Completed fetch attempts by result",
		},
		[]string{"endpoint", "result"},
	)

	// FetchDuration tracks fetch attempt latency.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Fetch attempt duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// GatewayRequestsTotal tracks calls to the backend gateway.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Gateway requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// ClientErrorsTotal tracks errors processed by the error pipeline.
	ClientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_errors_total",
			Help: "Errors processed by the error pipeline",
		},
		[]string{"kind", "outcome"},
	)

	// ErrorQueueDepth tracks errors waiting to be dispatched.
	ErrorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "error_queue_depth",
			Help: "Errors waiting in the pipeline queue",
		},
	)

	// ThreadsLoaded tracks the size of the last applied thread collection.
	ThreadsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threads_loaded",
			Help: "Conversations in the last synchronized collection",
		},
	)

	// VisibilityRefreshesTotal tracks refreshes caused by the page becoming visible.
	VisibilityRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visibility_refreshes_total",
			Help: "Visibility-triggered refresh decisions",
		},
		[]string{"decision"},
	)

	// ViewRecomputesTotal tracks projection recomputations.
	ViewRecomputesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "view_recomputes_total",
			Help: "Thread view projections recomputed",
		},
	)
)

// RecordRequest records metrics for a local API request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordFetch records the outcome of a single fetch attempt.
func RecordFetch(endpoint, result string, duration float64) {
	FetchDuration.WithLabelValues(endpoint).Observe(duration)
	FetchAttemptsTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordCacheLookup records a cache read. Unnamed caches are not recorded.
func RecordCacheLookup(cache, result string) {
	if cache == "" {
		return
	}
	CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction records a cache eviction. Unnamed caches are not recorded.
func RecordCacheEviction(cache, reason string) {
	if cache == "" {
		return
	}
	CacheEvictionsTotal.WithLabelValues(cache, reason).Inc()
}

// Package metrics exposes Prometheus collectors for the catalog sync pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	syncRequestsTotal          *prometheus.CounterVec
	syncItemsTotal             *prometheus.CounterVec
	assetsTotal                *prometheus.CounterVec
	syncRetriesTotal           *prometheus.CounterVec
	syncDelaySeconds           *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	queryStatus                *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Query status values reported by the query gauge.
const (
	QueryRunning   = 1
	QueryCompleted = 2
	QueryFailed    = 3
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		syncRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_sync_requests_total",
				Help: "Remote catalog requests, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		syncItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_sync_items_total",
				Help: "Catalog items handled, labeled by stage (list, detail) and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		assetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_assets_total",
				Help: "Mirrored assets, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		syncRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_sync_retries_total",
				Help: "Retry sleeps taken, labeled by reason (rate_limit, error).",
			},
			[]string{"reason"},
		)

		syncDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_sync_delay_seconds",
				Help:    "Randomized pacing delays, labeled by phase.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"phase"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delays_seconds",
				Help:    "Histogram of token-bucket wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		queryStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_sync_query_status",
				Help: "Current status per query: 1 running, 2 completed, 3 failed.",
			},
			[]string{"query"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest counts one remote catalog request.
func ObserveRequest(endpoint, outcome string) {
	Init()
	syncRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveItems counts n items for a stage/outcome pair.
func ObserveItems(stage, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	syncItemsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// ObserveAsset counts one mirrored asset outcome.
func ObserveAsset(kind, status string) {
	Init()
	assetsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRetry counts one retry sleep.
func ObserveRetry(reason string) {
	Init()
	syncRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveDelay records a pacing delay for a phase.
func ObserveDelay(phase string, d time.Duration) {
	Init()
	syncDelaySeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a token-bucket wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// SetQueryStatus publishes the status of a query.
func SetQueryStatus(query string, status int) {
	Init()
	if query == "" {
		query = "(all)"
	}
	queryStatus.WithLabelValues(query).Set(float64(status))
}

// ObserveHTTPRequest increments the status server request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

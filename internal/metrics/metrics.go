// Package metrics exposes Prometheus collectors for the harvester and the
// search gateway.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	searchRequestsTotal        *prometheus.CounterVec
	syncPhaseDurationSeconds   *prometheus.HistogramVec
	syncRunsTotal              *prometheus.CounterVec
	indexedDocuments           *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Search outcomes.
const (
	SearchOK          = "ok"
	SearchBadRequest  = "bad_request"
	SearchError       = "error"
	SearchRateLimited = "rate_limited"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		searchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_requests_total",
				Help: "Total number of search requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		syncPhaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_phase_duration_seconds",
				Help:    "Duration of index synchronization phases.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"phase"},
		)

		syncRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Total number of index synchronizations, labeled by strategy and status.",
			},
			[]string{"strategy", "status"},
		)

		indexedDocuments = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_indexed_documents",
				Help: "Documents left in the index after the last synchronization.",
			},
			[]string{"index"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of upstream rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSearch counts one search request by outcome.
func ObserveSearch(outcome string) {
	Init()
	searchRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncPhase records how long a synchronization phase took.
func ObserveSyncPhase(phase string, duration time.Duration) {
	Init()
	syncPhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveSyncRun counts a finished synchronization.
func ObserveSyncRun(strategy, status string) {
	Init()
	syncRunsTotal.WithLabelValues(strategy, status).Inc()
}

// SetIndexedDocuments records the document count of index.
func SetIndexedDocuments(index string, n int64) {
	Init()
	indexedDocuments.WithLabelValues(index).Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

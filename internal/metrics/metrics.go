// Package metrics exposes Prometheus collectors for the registry fetcher.
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
	lookupsTotal               *prometheus.CounterVec
	fetchOutcomesTotal         *prometheus.CounterVec
	stateTransitionsTotal      *prometheus.CounterVec
	fetchAttemptsTotal         prometheus.Counter
	rateLimitWaitSeconds       prometheus.Histogram
	poolSessions               prometheus.Gauge
	poolRestartsTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		lookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_lookups_total",
				Help: "Total number of lookups, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_fetch_outcomes_total",
				Help: "Total number of live fetches, labeled by outcome kind.",
			},
			[]string{"kind"},
		)

		stateTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_state_transitions_total",
				Help: "Navigation state machine transitions, labeled by entered state.",
			},
			[]string{"state"},
		)

		fetchAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_fetch_attempts_total",
				Help: "Total number of navigation attempts, including retries.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "registry_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting for a rate limit token.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		poolSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "registry_pool_sessions",
				Help: "Number of live browser sessions in the pool.",
			},
		)

		poolRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "registry_pool_restarts_total",
				Help: "Total number of browser pool restarts.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveLookup counts a lookup answered from source ("cache" or "live").
func ObserveLookup(source, outcome string) {
	Init()
	lookupsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetchOutcome counts a classified live fetch.
func ObserveFetchOutcome(kind string) {
	Init()
	fetchOutcomesTotal.WithLabelValues(kind).Inc()
}

// ObserveStateTransition counts entries into a navigation state.
func ObserveStateTransition(state string) {
	Init()
	stateTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveFetchAttempt counts one navigation attempt.
func ObserveFetchAttempt() {
	Init()
	fetchAttemptsTotal.Inc()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	Init()
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// SetPoolSessions reports the current number of pooled sessions.
func SetPoolSessions(n int) {
	Init()
	poolSessions.Set(float64(n))
}

// ObservePoolRestart counts a full browser restart.
func ObservePoolRestart() {
	Init()
	poolRestartsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

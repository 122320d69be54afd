// Package metrics exposes Prometheus collectors for the tariff monitor.
package metrics

import (
	"fmt"
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
	tariffCandidatesTotal        *prometheus.CounterVec
	tariffDecisionsTotal         *prometheus.CounterVec
	tariffUtilitiesTotal         *prometheus.CounterVec
	tariffSupersededTotal        *prometheus.CounterVec
	tariffFetchBytesTotal        *prometheus.CounterVec
	tariffFetchDurationSeconds   *prometheus.HistogramVec
	tariffSideEffectsTotal       *prometheus.CounterVec
	tariffRateLimitDelaysSeconds *prometheus.HistogramVec
	tariffRobotsFallbackTotal    prometheus.Counter
	tariffRunDurationSeconds     prometheus.Histogram
	tariffLastRunTimestamp       prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tariffCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_candidates_total",
				Help: "Candidates reconciled, labeled by utility, outcome and error kind.",
			},
			[]string{"utility", "outcome", "kind"},
		)

		tariffDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_change_decisions_total",
				Help: "Change oracle verdicts, labeled by action and reason.",
			},
			[]string{"action", "reason"},
		)

		tariffUtilitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_utilities_total",
				Help: "Utilities processed, labeled by status.",
			},
			[]string{"status"},
		)

		tariffSupersededTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_documents_superseded_total",
				Help: "Ledger rows moved from ACTIVE to OBSOLETE, labeled by utility.",
			},
			[]string{"utility"},
		)

		tariffFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_fetch_bytes_total",
				Help: "Document bytes downloaded, labeled by site.",
			},
			[]string{"site"},
		)

		tariffFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tariff_fetch_duration_seconds",
				Help:    "Document download latency, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		tariffSideEffectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tariff_side_effects_total",
				Help: "Archive and notification attempts, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		tariffRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tariff_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		tariffRobotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tariff_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		tariffRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tariff_run_duration_seconds",
				Help:    "Wall time of a full reconciliation run.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		tariffLastRunTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tariff_last_run_timestamp_seconds",
				Help: "Unix time at which the last reconciliation run finished.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// WriteTextfile dumps the default registry in the text exposition format, for
// the node-exporter textfile collector.
func WriteTextfile(path string) error {
	Init()
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObserveCandidate counts one reconciled candidate. kind is empty unless the
// outcome is an error.
func ObserveCandidate(utility, outcome, kind string) {
	Init()
	tariffCandidatesTotal.WithLabelValues(utility, outcome, kind).Inc()
}

// ObserveDecision counts one change oracle verdict.
func ObserveDecision(action, reason string) {
	Init()
	tariffDecisionsTotal.WithLabelValues(action, reason).Inc()
}

// ObserveUtility counts one processed utility.
func ObserveUtility(status string) {
	Init()
	tariffUtilitiesTotal.WithLabelValues(status).Inc()
}

// ObserveSuperseded adds n rows retired for utility.
func ObserveSuperseded(utility string, n int64) {
	if n <= 0 {
		return
	}
	Init()
	tariffSupersededTotal.WithLabelValues(utility).Add(float64(n))
}

// ObserveFetch records a completed document download.
func ObserveFetch(rawURL string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	if bytesFetched > 0 {
		tariffFetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
	tariffFetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveSideEffect counts an archive or notification attempt.
func ObserveSideEffect(kind string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	tariffSideEffectsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	tariffRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	tariffRobotsFallbackTotal.Inc()
}

// ObserveRun records a finished reconciliation run.
func ObserveRun(duration time.Duration, finishedAt time.Time) {
	Init()
	tariffRunDurationSeconds.Observe(duration.Seconds())
	tariffLastRunTimestamp.Set(float64(finishedAt.Unix()))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the yearscan service.
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

// Page results recorded by ObservePage.
const (
	PageOK     = "ok"
	PageEmpty  = "empty"
	PageFailed = "failed"
	PageStale  = "stale"
)

var (
	pagesTotal                 *prometheus.CounterVec
	itemsEmittedTotal          *prometheus.CounterVec
	sessionsTotal              *prometheus.CounterVec
	phaseTransitionsTotal      *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	headlessPromotionsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. The Observe and Inc/Dec
// helpers call it themselves, so callers only need it to register the
// collectors before the first observation.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_pages_total",
				Help: "Listing pages observed, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		itemsEmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_items_emitted_total",
				Help: "Matching items handed to the item sink, labeled by site.",
			},
			[]string{"site"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_sessions_total",
				Help: "Sessions finished, labeled by final status.",
			},
			[]string{"status"},
		)

		phaseTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_phase_transitions_total",
				Help: "Navigation phase changes, labeled by source and destination phase.",
			},
			[]string{"from", "to"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_fetch_retries_total",
				Help: "Page fetch retries, labeled by site.",
			},
			[]string{"site"},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yearscan_headless_promotions_total",
				Help: "Pages re-fetched with the headless renderer, labeled by site.",
			},
			[]string{"site"},
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

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "yearscan_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "yearscan_active_workers",
				Help: "Number of workers currently running a session.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yearscan_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	return promhttp.Handler()
}

// ObservePage counts one page observation for the site of pageURL.
func ObservePage(pageURL, result string) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(pageURL), result).Inc()
}

// ObserveItems adds n emitted items for the site of pageURL.
func ObserveItems(pageURL string, n int) {
	Init()
	if n <= 0 {
		return
	}
	itemsEmittedTotal.WithLabelValues(SanitizeSite(pageURL)).Add(float64(n))
}

// ObserveSession increments the finished-session counter for status.
func ObserveSession(status string) {
	Init()
	sessionsTotal.WithLabelValues(status).Inc()
}

// ObservePhaseTransition records a move between navigation phases.
func ObservePhaseTransition(from, to string) {
	Init()
	phaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveFetchRetry counts a retried fetch of pageURL.
func ObserveFetchRetry(pageURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(pageURL)).Inc()
}

// ObserveHeadlessPromotion counts a page promoted to the headless renderer.
func ObserveHeadlessPromotion(pageURL string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(SanitizeSite(pageURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback increments the robots.txt fallback counter.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

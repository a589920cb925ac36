// Package metrics exposes Prometheus collectors for the pagefeed service.
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
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchCacheTotal            *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	feedGenerationsTotal       *prometheus.CounterVec
	feedCacheTotal             *prometheus.CounterVec
	feedSharedTotal            prometheus.Counter
	enrichItemsTotal           *prometheus.CounterVec
	enrichRunning              prometheus.Gauge
	enrichTasksEvictedTotal    prometheus.Counter
	browserLaunchesTotal       *prometheus.CounterVec
	browserReapedTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_fetch_pages_total",
				Help: "Total number of live page fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_fetch_bytes_total",
				Help: "Total number of bytes fetched live, labeled by site.",
			},
			[]string{"site"},
		)

		fetchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_fetch_cache_total",
				Help: "Fetch cache lookups, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagefeed_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		feedGenerationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_feed_generations_total",
				Help: "Feed generations run against a source, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		feedCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_feed_cache_total",
				Help: "Feed cache lookups, labeled by result (memory, snapshot, miss).",
			},
			[]string{"result"},
		)

		feedSharedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagefeed_feed_singleflight_shared_total",
				Help: "Feed requests that joined an in-flight generation.",
			},
		)

		enrichItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_enrich_items_total",
				Help: "Enrichment attempts, labeled by outcome (done, retry, failed).",
			},
			[]string{"outcome"},
		)

		enrichRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagefeed_enrich_running",
				Help: "Number of enrichment calls currently running.",
			},
		)

		enrichTasksEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagefeed_enrich_tasks_evicted_total",
				Help: "Enrichment tasks evicted to respect the task capacity.",
			},
		)

		browserLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_browser_launches_total",
				Help: "Browser launch attempts, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		browserReapedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagefeed_browser_reaped_processes_total",
				Help: "Stale browser processes terminated while recovering a locked profile.",
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

// ObserveFetch records a live fetch against site.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchCache records a fetch cache lookup.
func ObserveFetchCache(hit bool) {
	Init()
	if hit {
		fetchCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	fetchCacheTotal.WithLabelValues("miss").Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveGeneration records one feed generation for source.
func ObserveGeneration(source, outcome string) {
	Init()
	feedGenerationsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFeedCache records where a feed request was answered from.
func ObserveFeedCache(result string) {
	Init()
	feedCacheTotal.WithLabelValues(result).Inc()
}

// ObserveSharedGeneration counts a request that joined an in-flight generation.
func ObserveSharedGeneration() {
	Init()
	feedSharedTotal.Inc()
}

// ObserveEnrichment records the outcome of one enrichment attempt.
func ObserveEnrichment(outcome string) {
	Init()
	enrichItemsTotal.WithLabelValues(outcome).Inc()
}

// IncRunningEnrichments increments the running enrichments gauge.
func IncRunningEnrichments() {
	Init()
	enrichRunning.Inc()
}

// DecRunningEnrichments decrements the running enrichments gauge.
func DecRunningEnrichments() {
	Init()
	enrichRunning.Dec()
}

// ObserveTaskEvicted counts an evicted enrichment task.
func ObserveTaskEvicted() {
	Init()
	enrichTasksEvictedTotal.Inc()
}

// ObserveBrowserLaunch records a browser launch attempt.
func ObserveBrowserLaunch(mode, outcome string) {
	Init()
	browserLaunchesTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveReapedProcess counts a stale browser process that was terminated.
func ObserveReapedProcess() {
	Init()
	browserReapedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

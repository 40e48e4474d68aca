// Package metrics exposes Prometheus collectors for the crawler service.
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

// Page outcomes recorded by ObservePage.
const (
	OutcomeRecord   = "record"
	OutcomeNoRecord = "no_record"
	OutcomeFailed   = "failed"
)

var (
	crawlerPagesTotal              *prometheus.CounterVec
	crawlerBytesTotal              *prometheus.CounterVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec
	crawlerSessionsTotal           *prometheus.CounterVec
	crawlerActiveSessions          prometheus.Gauge
	crawlerRateLimitDelaysSeconds  *prometheus.HistogramVec
	crawlerSitemapFetchesTotal     *prometheus.CounterVec
	crawlerClassifyDurationSeconds *prometheus.HistogramVec
	crawlerRecordBatchesTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of product pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
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

		crawlerSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sessions_total",
				Help: "Total number of sessions finalized, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlerActiveSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_sessions",
				Help: "Number of sessions currently being crawled.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerSitemapFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sitemap_fetches_total",
				Help: "Sitemap documents fetched during discovery, labeled by parsed kind or error.",
			},
			[]string{"kind"},
		)

		crawlerClassifyDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_classify_duration_seconds",
				Help:    "Page classification latency, labeled by result.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		crawlerRecordBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_record_batches_total",
				Help: "Record batch flushes, labeled by result (committed or dropped).",
			},
			[]string{"result"},
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

// ObservePage increments the page counter for a processed URL.
func ObservePage(site string, outcome string, bytesFetched int) {
	if crawlerPagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSession increments the session counter for the given terminal status.
func ObserveSession(status string) {
	if crawlerSessionsTotal == nil {
		return
	}
	crawlerSessionsTotal.WithLabelValues(status).Inc()
}

// IncActiveSessions increments the active sessions gauge.
func IncActiveSessions() {
	if crawlerActiveSessions != nil {
		crawlerActiveSessions.Inc()
	}
}

// DecActiveSessions decrements the active sessions gauge.
func DecActiveSessions() {
	if crawlerActiveSessions != nil {
		crawlerActiveSessions.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveSitemapFetch counts one sitemap document by kind ("index", "urlset", "error").
func ObserveSitemapFetch(kind string) {
	if crawlerSitemapFetchesTotal == nil {
		return
	}
	crawlerSitemapFetchesTotal.WithLabelValues(kind).Inc()
}

// ObserveClassify records classifier latency.
func ObserveClassify(result string, duration time.Duration) {
	if crawlerClassifyDurationSeconds == nil {
		return
	}
	crawlerClassifyDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveRecordBatch counts a record batch flush.
func ObserveRecordBatch(result string) {
	if crawlerRecordBatchesTotal == nil {
		return
	}
	crawlerRecordBatchesTotal.WithLabelValues(result).Inc()
}

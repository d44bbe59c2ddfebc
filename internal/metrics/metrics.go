// Package metrics exposes Prometheus instrumentation for the batch pipeline
// (geocoding, ingestion, upserts, notification dispatch) and for the HTTP API
// that triggers and queries it.
//
// Labels are kept to small closed sets (provider name, source name, outcome,
// registered route) so cardinality stays bounded. All collectors are registered on the default
// registry in init and are safe for concurrent use.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// geocodeReqs counts upstream geocoding calls by provider and outcome
	// (ok, miss, rejected, error).
	geocodeReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_geocode_requests_total",
			Help: "Upstream geocoding calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// importRecords counts canonical records by source and outcome
	// (created, updated, unchanged, skipped, error).
	importRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_import_records_total",
			Help: "Imported records by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// importPages counts fetched upstream pages by source and outcome.
	importPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_import_pages_total",
			Help: "Fetched importer pages by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	// changesets counts changesets written by the upsert engine.
	changesets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "planwatch_changesets_total",
			Help: "Changesets written.",
		},
	)

	// notifications counts dispatch attempts by outcome (sent, empty, failed).
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_notifications_total",
			Help: "Subscription notification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// httpReqs counts API requests by method, registered route and status.
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_http_requests_total",
			Help: "API requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// httpLat records API latency by method and route. Run triggers are
	// synchronous, so the buckets reach into minutes.
	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planwatch_http_request_duration_seconds",
			Help:    "API request duration in seconds.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5, 10, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	// httpInflight gauges requests currently being handled.
	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "planwatch_http_requests_inflight",
			Help: "API requests currently being handled.",
		},
	)

	// httpRespSize records response body sizes. Search pages and summaries
	// dominate the upper buckets.
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planwatch_http_response_size_bytes",
			Help:    "API response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"route"},
	)

	// runReplays counts run triggers answered from a stored result.
	runReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_http_run_replays_total",
			Help: "Run triggers answered from a stored idempotent result.",
		},
		[]string{"route"},
	)

	// rateLimited counts requests rejected by the rate limiter by bucket
	// class (read, run).
	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "planwatch_http_rate_limited_total",
			Help: "API requests rejected by the rate limiter.",
		},
		[]string{"class"},
	)

	// runDuration records batch run duration in seconds by kind (import, notify).
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "planwatch_run_duration_seconds",
			Help:    "Duration of batch runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		geocodeReqs, importRecords, importPages, changesets, notifications, runDuration,
		httpReqs, httpLat, httpInflight, httpRespSize, runReplays, rateLimited,
	)
}

// ObserveGeocode records one upstream geocoding call.
func ObserveGeocode(provider, outcome string) {
	geocodeReqs.WithLabelValues(provider, outcome).Inc()
}

// ObserveImportRecord records the outcome of one canonical record.
func ObserveImportRecord(source, outcome string) {
	importRecords.WithLabelValues(source, outcome).Inc()
}

// ObserveImportPage records one fetched (or failed) upstream page.
func ObserveImportPage(source, outcome string) {
	importPages.WithLabelValues(source, outcome).Inc()
}

// IncChangesets records a written changeset.
func IncChangesets() {
	changesets.Inc()
}

// ObserveNotification records one dispatch attempt.
func ObserveNotification(outcome string) {
	notifications.WithLabelValues(outcome).Inc()
}

// ObserveRun records the duration of a batch run that started at start.
func ObserveRun(kind string, start time.Time) {
	runDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// UnmatchedRoute labels requests that matched no registered route, so probes
// of random paths cannot grow the series set.
const UnmatchedRoute = "unmatched"

// HTTPStarted marks a request in flight. The returned func marks it done.
func HTTPStarted() (done func()) {
	httpInflight.Inc()
	return httpInflight.Dec
}

// ObserveHTTP records one completed API request. size < 0 (nothing written)
// is not observed.
func ObserveHTTP(method, route string, status, size int, d time.Duration) {
	if route == "" {
		route = UnmatchedRoute
	}
	httpReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpLat.WithLabelValues(method, route).Observe(d.Seconds())
	if size >= 0 {
		httpRespSize.WithLabelValues(route).Observe(float64(size))
	}
}

// IncRunReplay records a run trigger answered from a stored result.
func IncRunReplay(route string) {
	runReplays.WithLabelValues(route).Inc()
}

// IncRateLimited records a request rejected by the rate limiter.
func IncRateLimited(class string) {
	rateLimited.WithLabelValues(class).Inc()
}

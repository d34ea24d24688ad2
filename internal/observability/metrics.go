package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate by route pattern. Watch for: 4xx/5xx ratio, sudden drops.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95/p99 increases on template-heavy routes.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation during shutdown drain.
	HTTPRequestsInFlight prometheus.Gauge

	// Template renders by outcome (ok, not_found, error).
	TemplateRendersTotal *prometheus.CounterVec

	// Static file responses by status class. Watch for: 403 spikes (probing).
	StaticFilesTotal *prometheus.CounterVec

	// SQL statements by database type, operation and outcome.
	DBQueriesTotal *prometheus.CounterVec

	// SQL statement latency.
	DBQueryDuration *prometheus.HistogramVec

	// Rate limit denials (429).
	RateLimitDeniedTotal prometheus.Counter

	// Requests still running when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	TemplateRendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "templateRendersTotal",
			Help: "Total number of template renders by result",
		},
		[]string{"template", "result"},
	)
	StaticFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staticFilesTotal",
			Help: "Total number of static file responses by status class",
		},
		[]string{"statusCode"},
	)
	DBQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbQueriesTotal",
			Help: "Total number of SQL statements",
		},
		[]string{"dbType", "operation", "status"},
	)
	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbQueryDurationSeconds",
			Help:    "SQL statement latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"dbType", "operation"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "Requests in flight when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		TemplateRendersTotal, StaticFilesTotal,
		DBQueriesTotal, DBQueryDuration,
		RateLimitDeniedTotal, ShutdownInFlightRequests,
	)
}

// StatusClass turns 404 into "4xx".
func StatusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// RecordTemplateRender counts one render of name with result ok, not_found or error.
func RecordTemplateRender(name, result string) {
	TemplateRendersTotal.WithLabelValues(name, result).Inc()
}

// RecordStaticFile counts one static file response.
func RecordStaticFile(statusCode int) {
	StaticFilesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
}

// RecordDBQuery counts one SQL statement and observes its latency.
func RecordDBQuery(dbType, operation string, seconds float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DBQueriesTotal.WithLabelValues(dbType, operation, status).Inc()
	DBQueryDuration.WithLabelValues(dbType, operation).Observe(seconds)
}

// RecordShutdownInFlight records how many requests were running when shutdown began.
func RecordShutdownInFlight(count int64) {
	ShutdownInFlightRequests.Set(float64(count))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code", "service"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "service"},
	)

	// Pipeline metrics
	EventsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagestats_events_extracted_total",
			Help: "Total number of log events extracted from the analytical store",
		},
		[]string{"kind"},
	)

	ReportsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagestats_reports_processed_total",
			Help: "Total number of pending aggregates merged into reports",
		},
		[]string{"kind"},
	)

	PublishCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagestats_publish_calls_total",
			Help: "Total number of calls to the remote repository host",
		},
		[]string{"operation", "status"},
	)

	StageContinuations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagestats_stage_continuations_total",
			Help: "Total number of deadline-driven stage continuations",
		},
		[]string{"stage"},
	)

	GeocodeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagestats_geocode_lookups_total",
			Help: "Total number of reverse geocoding lookups",
		},
		[]string{"result"},
	)

	CartoQueryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usagestats_carto_query_retries_total",
			Help: "Total number of analytical query retries",
		},
	)

	// Application health metrics
	ApplicationInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "application_info",
			Help: "Application information",
		},
		[]string{"service", "version", "environment"},
	)
)

// Initialize metrics with default values
func Init(serviceName, version, environment string) {
	ApplicationInfo.WithLabelValues(serviceName, version, environment).Set(1)
}

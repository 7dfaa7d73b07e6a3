package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts terminal outcomes of logical outbound requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total number of outbound HTTP requests by terminal outcome",
		},
		[]string{"integration", "method", "outcome"},
	)

	// HTTPRequestDuration tracks latency of logical requests, retries included
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_http_request_duration_seconds",
			Help:    "Outbound HTTP request latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"integration", "method"},
	)

	// HTTPRetriesTotal counts scheduled retries by cause
	HTTPRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_http_retries_total",
			Help: "Total number of retries scheduled for outbound HTTP requests",
		},
		[]string{"integration", "cause"},
	)

	// HTTPPoolInUse tracks attempts currently holding a pool slot
	HTTPPoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_http_pool_in_use",
			Help: "Number of in-flight attempts holding a connection slot",
		},
		[]string{"integration"},
	)

	// GuardRunsTotal counts process-once runs by resulting status
	GuardRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_guard_runs_total",
			Help: "Total number of process-once runs by load log status",
		},
		[]string{"source", "status"},
	)

	// GuardDuration tracks the duration of guarded work blocks
	GuardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_guard_duration_seconds",
			Help:    "Duration of guarded units of work in seconds",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"source"},
	)

	// GuardStalePending tracks pending rows older than the stale threshold
	GuardStalePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_guard_stale_pending",
			Help: "Number of load log rows stuck in pending past the stale threshold",
		},
		[]string{"source"},
	)

	// DBConnectionPoolUsage tracks load log database pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_db_connection_pool_usage_percent",
			Help: "Percentage of open load log database connections",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdr_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_db_query_errors_total",
			Help: "Total number of failed database queries",
		},
		[]string{"operation"},
	)

	// Refresh pipeline
	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdr_metrics_refresh_duration_seconds",
			Help:    "Duration of one dimension refresh",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"table", "type", "stage"},
	)

	RefreshFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_metrics_refresh_failures_total",
			Help: "Total number of failed dimension refreshes",
		},
		[]string{"table", "type", "stage"},
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_metrics_cache_rows_written_total",
			Help: "Cache rows inserted or carried forward",
		},
		[]string{"table", "type"},
	)

	RowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_metrics_cache_rows_deleted_total",
			Help: "Cache rows removed by generation garbage collection",
		},
		[]string{"table", "type"},
	)

	GenerationTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdr_metrics_cache_generation_timestamp_seconds",
			Help: "Unix time of the generation currently served per table and type",
		},
		[]string{"table", "type"},
	)

	StagingTables = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdr_metrics_staging_tables",
			Help: "Per-awardee staging tables built in the last refresh",
		},
	)

	StuckRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdr_metrics_stuck_runs",
			Help: "In-progress ledger rows older than the stuck run threshold",
		},
	)

	// API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdr_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdr_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"policy"},
	)
)

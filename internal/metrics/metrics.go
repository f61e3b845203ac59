package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatvault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Trigger metrics
	TriggersReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_triggers_received_total",
			Help: "Total number of backup commands received",
		},
		[]string{"platform", "status"},
	)

	// Sync run metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_sync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"status"},
	)

	SyncRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatvault_sync_run_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	SyncRunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatvault_sync_runs_in_flight",
			Help: "Number of sync runs currently executing",
		},
	)

	ChannelSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_channel_syncs_total",
			Help: "Total number of per-channel pipelines by outcome",
		},
		[]string{"status"},
	)

	MessagesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_messages_archived_total",
			Help: "Total number of newly inserted messages",
		},
	)

	MessagesWriteFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatvault_messages_write_failed_total",
			Help: "Total number of message rows that failed to write",
		},
	)

	WatermarkAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_watermark_advances_total",
			Help: "Total number of watermark advance attempts by result",
		},
		[]string{"result"},
	)

	// Upstream metrics
	UpstreamPageRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_upstream_page_requests_total",
			Help: "Total number of history page requests to the chat platform",
		},
		[]string{"status"},
	)

	UpstreamPageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatvault_upstream_page_duration_seconds",
			Help:    "Duration of history page requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatvault_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatvault_database_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics.
var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_executions_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waveflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waveflow_active_executions",
			Help: "Number of executions currently running",
		},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waveflow_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node_type"},
	)

	NodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_node_retries_total",
			Help: "Total number of node retry attempts",
		},
		[]string{"node_type"},
	)

	WaveSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "waveflow_wave_size",
			Help:    "Nodes dispatched per scheduling wave",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waveflow_approvals_pending",
			Help: "Number of executions waiting for approval",
		},
	)
)

// Platform metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waveflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"status"},
	)

	SchedulesTriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waveflow_schedules_triggered_total",
			Help: "Total number of schedule firings",
		},
	)

	CheckpointWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "waveflow_checkpoint_writes_total",
			Help: "Total number of approval checkpoints written",
		},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waveflow_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "waveflow_websocket_connections",
			Help: "Current number of websocket connections",
		},
	)
)

func RecordExecution(status string, seconds float64) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDuration.WithLabelValues(status).Observe(seconds)
}

func RecordNodeExecution(nodeType, status string, seconds float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(seconds)
}

func RecordNodeRetry(nodeType string) {
	NodeRetriesTotal.WithLabelValues(nodeType).Inc()
}

func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter for tasks executed by the bounded executor
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_tasks_total",
			Help: "Total number of tasks executed",
		},
		[]string{"status"},
	)

	// Histogram for task execution duration
	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executor_task_duration_seconds",
			Help:    "Time spent executing tasks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gauge for currently available concurrency permits
	AvailablePermits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "executor_available_permits",
		Help: "Number of concurrency permits currently available",
	})

	// Gauge for pooled connections by state
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbpool_connections",
			Help: "Number of pooled database connections by state",
		},
		[]string{"state"},
	)

	// Counter for queries executed through the pool
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbpool_queries_total",
			Help: "Total number of queries executed",
		},
		[]string{"status"},
	)

	// Counter for query cache lookups
	QueryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbpool_query_cache_total",
			Help: "Query cache lookups by result",
		},
		[]string{"result"},
	)

	// Gauge for the exponential moving average of query latency
	QueryLatencyEMA = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dbpool_query_latency_ema_seconds",
		Help: "Exponential moving average of query latency",
	})

	// Counter for connection replacements triggered by health checks
	ConnectionReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbpool_connection_replacements_total",
		Help: "Connections replaced after failing a health check or query",
	})

	// Counter for resource alerts raised by the monitor
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Resource alerts raised by type and level",
		},
		[]string{"type", "level"},
	)

	// Counter for forced garbage collection passes
	GCMitigations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_gc_mitigations_total",
		Help: "Forced garbage collection passes triggered by critical alerts",
	})

	// Gauge for process memory usage sampled by the monitor
	ProcessMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_process_memory_mb",
		Help: "Process resident memory in megabytes",
	})

	// Gauge for process CPU usage sampled by the monitor
	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_process_cpu_percent",
		Help: "Process CPU utilization percentage",
	})

	// Counter for errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordTask records one task completion with its duration
func RecordTask(status string, duration time.Duration) {
	TasksTotal.WithLabelValues(status).Inc()
	TaskDuration.Observe(duration.Seconds())
}

// RecordQuery records one query execution outcome
func RecordQuery(status string) {
	QueriesTotal.WithLabelValues(status).Inc()
}

// RecordCacheLookup records a query cache hit or miss
func RecordCacheLookup(result string) {
	QueryCacheTotal.WithLabelValues(result).Inc()
}

// RecordAlert records one resource alert
func RecordAlert(alertType, level string) {
	AlertsTotal.WithLabelValues(alertType, level).Inc()
}

// RecordError records one error occurrence
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors shared by the backend and the agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Storage operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Submission validation metrics
	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec

	// Reports accepted by the backend, by incident category
	ReportsCreatedTotal *prometheus.CounterVec

	// Agent synchronization metrics
	SyncSweepTotal     *prometheus.CounterVec
	SyncReportsTotal   *prometheus.CounterVec
	PendingReports     prometheus.Gauge
	ConnectivityOnline prometheus.Gauge
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayshare_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayshare_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayshare_event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_schema_validation_total",
			Help: "Total number of submission validations",
		}, []string{"schema", "status"}),

		SchemaValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayshare_schema_validation_duration_seconds",
			Help:    "Submission validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"schema", "status"}),

		ReportsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_reports_created_total",
			Help: "Total number of anonymized reports stored",
		}, []string{"category"}),

		SyncSweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_sync_sweeps_total",
			Help: "Total number of pending-report sweeps",
		}, []string{"status"}),

		SyncReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayshare_sync_reports_total",
			Help: "Pending reports processed by sweeps, by outcome",
		}, []string{"outcome"}),

		PendingReports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wayshare_pending_reports",
			Help: "Reports waiting in the agent queue",
		}),

		ConnectivityOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wayshare_connectivity_online",
			Help: "1 while the agent considers the backend reachable",
		}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SchemaValidationTotal)
	registerOrGet(m.SchemaValidationDuration)
	registerOrGet(m.ReportsCreatedTotal)
	registerOrGet(m.SyncSweepTotal)
	registerOrGet(m.SyncReportsTotal)
	registerOrGet(m.PendingReports)
	registerOrGet(m.ConnectivityOnline)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

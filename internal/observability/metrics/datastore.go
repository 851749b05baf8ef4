// Package metrics provides datastore metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for session persistence.
// It implements the Recorder interface so the datastore can depend on the
// abstraction.
type DatastoreMetrics struct {
	registry *prometheus.Registry

	dbOperationsTotal      *prometheus.CounterVec
	dbOperationDuration    *prometheus.HistogramVec
	dbOperationErrorsTotal *prometheus.CounterVec

	snapshotsTotal prometheus.Counter

	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates a new DatastoreMetrics instance and registers
// it with the provided registry.
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.dbOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_operations_total",
			Help: "Total number of database operations, by operation and status.",
		},
		[]string{"operation", "status"},
	)
	m.dbOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_operation_duration_seconds",
			Help:    "Time taken for one database operation.",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		},
		[]string{"operation"},
	)
	m.dbOperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datastore_operation_errors_total",
			Help: "Total number of failed database operations, by operation and error type.",
		},
		[]string{"operation", "error_type"},
	)
	m.snapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datastore_position_snapshots_total",
			Help: "Total number of position snapshots persisted.",
		},
	)

	m.collectors = []prometheus.Collector{
		m.dbOperationsTotal,
		m.dbOperationDuration,
		m.dbOperationErrorsTotal,
		m.snapshotsTotal,
	}
}

// RecordOperation implements Recorder.
func (m *DatastoreMetrics) RecordOperation(operation, status string) {
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *DatastoreMetrics) RecordDuration(operation string, seconds float64) {
	m.dbOperationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *DatastoreMetrics) RecordError(operation, errorType string) {
	m.dbOperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordSnapshot counts one persisted position snapshot.
func (m *DatastoreMetrics) RecordSnapshot() {
	m.snapshotsTotal.Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

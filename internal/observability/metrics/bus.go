// Package metrics provides message bus metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics contains Prometheus metrics for the message bus.
type BusMetrics struct {
	registry *prometheus.Registry

	publishedTotal     *prometheus.CounterVec
	deliveredTotal     *prometheus.CounterVec
	rejectedTotal      prometheus.Counter
	handlerErrorsTotal prometheus.Counter

	queueSizeGauge   prometheus.Gauge
	subscribersGauge prometheus.Gauge

	deliveryDuration prometheus.Histogram

	collectors []prometheus.Collector
}

// NewBusMetrics creates a new BusMetrics instance and registers it with the
// provided registry.
func NewBusMetrics(registry *prometheus.Registry) (*BusMetrics, error) {
	m := &BusMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register bus metrics: %w", err)
	}
	return m, nil
}

func (m *BusMetrics) initMetrics() {
	m.publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Total number of messages accepted by the bus, by message type.",
		},
		[]string{"type"},
	)
	m.deliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_delivered_total",
			Help: "Total number of messages dispatched to subscribers, by message type.",
		},
		[]string{"type"},
	)
	m.rejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_messages_rejected_total",
			Help: "Total number of messages rejected because the queue was full.",
		},
	)
	m.handlerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_handler_errors_total",
			Help: "Total number of subscriber handlers that returned an error or panicked.",
		},
	)
	m.queueSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_queue_size",
			Help: "Messages currently waiting in the priority queue.",
		},
	)
	m.subscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "Number of active subscriptions.",
		},
	)
	m.deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bus_delivery_duration_seconds",
			Help:    "Time taken to deliver one message to all its subscribers.",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount10),
		},
	)

	m.collectors = []prometheus.Collector{
		m.publishedTotal,
		m.deliveredTotal,
		m.rejectedTotal,
		m.handlerErrorsTotal,
		m.queueSizeGauge,
		m.subscribersGauge,
		m.deliveryDuration,
	}
}

// RecordPublished counts one accepted message.
func (m *BusMetrics) RecordPublished(messageType string) {
	m.publishedTotal.WithLabelValues(messageType).Inc()
}

// RecordDelivered counts one dispatched message with its fan-out duration.
func (m *BusMetrics) RecordDelivered(messageType string, durationSeconds float64) {
	m.deliveredTotal.WithLabelValues(messageType).Inc()
	m.deliveryDuration.Observe(durationSeconds)
}

// RecordRejected counts one message rejected on a full queue.
func (m *BusMetrics) RecordRejected() {
	m.rejectedTotal.Inc()
}

// RecordHandlerError counts one failed subscriber handler.
func (m *BusMetrics) RecordHandlerError() {
	m.handlerErrorsTotal.Inc()
}

// SetQueueSize sets the current queue depth.
func (m *BusMetrics) SetQueueSize(n int) {
	m.queueSizeGauge.Set(float64(n))
}

// SetSubscribers sets the current subscription count.
func (m *BusMetrics) SetSubscribers(n int) {
	m.subscribersGauge.Set(float64(n))
}

// Describe implements the prometheus.Collector interface.
func (m *BusMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *BusMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

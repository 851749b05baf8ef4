// Package metrics provides resource monitor metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MonitorMetrics contains Prometheus metrics for system resource monitoring.
type MonitorMetrics struct {
	registry *prometheus.Registry

	usageGauge    *prometheus.GaugeVec
	breachesTotal *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewMonitorMetrics creates a new MonitorMetrics instance and registers it
// with the provided registry.
func NewMonitorMetrics(registry *prometheus.Registry) (*MonitorMetrics, error) {
	m := &MonitorMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register monitor metrics: %w", err)
	}
	return m, nil
}

func (m *MonitorMetrics) initMetrics() {
	m.usageGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_resource_usage_percent",
			Help: "Sampled resource usage in percent, by resource (cpu, memory, disk).",
		},
		[]string{"resource"},
	)
	m.breachesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_threshold_breaches_total",
			Help: "Total number of resource threshold breaches, by resource and level.",
		},
		[]string{"resource", "level"},
	)

	m.collectors = []prometheus.Collector{
		m.usageGauge,
		m.breachesTotal,
	}
}

// SetUsage records a sampled usage percentage for a resource.
func (m *MonitorMetrics) SetUsage(resource string, percent float64) {
	m.usageGauge.WithLabelValues(resource).Set(percent)
}

// RecordBreach counts one threshold breach at the given level
// ("warning" or "critical").
func (m *MonitorMetrics) RecordBreach(resource, level string) {
	m.breachesTotal.WithLabelValues(resource, level).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *MonitorMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *MonitorMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

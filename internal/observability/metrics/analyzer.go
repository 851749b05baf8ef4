// Package metrics provides analyzer metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// AnalyzerMetrics contains Prometheus metrics for onset detection.
type AnalyzerMetrics struct {
	registry *prometheus.Registry

	blocksTotal   prometheus.Counter
	onsetsTotal   prometheus.Counter
	failuresTotal prometheus.Counter

	strengthGauge prometheus.Gauge
	tempoGauge    prometheus.Gauge

	analysisDuration prometheus.Histogram

	collectors []prometheus.Collector
}

// NewAnalyzerMetrics creates a new AnalyzerMetrics instance and registers it
// with the provided registry.
func NewAnalyzerMetrics(registry *prometheus.Registry) (*AnalyzerMetrics, error) {
	m := &AnalyzerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register analyzer metrics: %w", err)
	}
	return m, nil
}

func (m *AnalyzerMetrics) initMetrics() {
	m.blocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analyzer_blocks_total",
			Help: "Total number of audio blocks analyzed.",
		},
	)
	m.onsetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analyzer_onsets_total",
			Help: "Total number of onsets detected.",
		},
	)
	m.failuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analyzer_failures_total",
			Help: "Total number of blocks the analyzer rejected or failed on.",
		},
	)
	m.strengthGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_onset_strength",
			Help: "Spectral flux strength of the most recent analyzed block.",
		},
	)
	m.tempoGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_tempo_bpm",
			Help: "Current tempo estimate in beats per minute.",
		},
	)
	m.analysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyzer_block_duration_seconds",
			Help:    "Time taken to analyze one audio block.",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount10),
		},
	)

	m.collectors = []prometheus.Collector{
		m.blocksTotal,
		m.onsetsTotal,
		m.failuresTotal,
		m.strengthGauge,
		m.tempoGauge,
		m.analysisDuration,
	}
}

// RecordAnalysis records one analyzed block.
func (m *AnalyzerMetrics) RecordAnalysis(durationSeconds, strength float64, onset bool) {
	m.blocksTotal.Inc()
	m.analysisDuration.Observe(durationSeconds)
	m.strengthGauge.Set(strength)
	if onset {
		m.onsetsTotal.Inc()
	}
}

// RecordFailure counts one rejected or failed block.
func (m *AnalyzerMetrics) RecordFailure() {
	m.failuresTotal.Inc()
}

// SetTempo sets the current tempo estimate.
func (m *AnalyzerMetrics) SetTempo(bpm float64) {
	m.tempoGauge.Set(bpm)
}

// Describe implements the prometheus.Collector interface.
func (m *AnalyzerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *AnalyzerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// Package metrics provides capture metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CaptureMetrics contains Prometheus metrics for audio block capture,
// labeled by the audio source (device name or file path).
type CaptureMetrics struct {
	registry *prometheus.Registry

	blocksTotal       *prometheus.CounterVec
	readTimeoutsTotal *prometheus.CounterVec

	// mirrors of the capture's internal counters, refreshed by the
	// session sampler
	droppedGauge  *prometheus.GaugeVec
	overrunsGauge *prometheus.GaugeVec
	restartsGauge *prometheus.GaugeVec
	queueLenGauge *prometheus.GaugeVec

	audioLevelGauge *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewCaptureMetrics creates a new CaptureMetrics instance and registers it
// with the provided registry.
func NewCaptureMetrics(registry *prometheus.Registry) (*CaptureMetrics, error) {
	m := &CaptureMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register capture metrics: %w", err)
	}
	return m, nil
}

func (m *CaptureMetrics) initMetrics() {
	m.blocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_blocks_total",
			Help: "Total number of audio blocks handed to the analysis loop.",
		},
		[]string{"source"},
	)
	m.readTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capture_read_timeouts_total",
			Help: "Total number of block reads that timed out waiting for audio.",
		},
		[]string{"source"},
	)
	m.droppedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_dropped_blocks",
			Help: "Blocks dropped because the capture queue was full.",
		},
		[]string{"source"},
	)
	m.overrunsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_ring_overruns",
			Help: "Device callback writes rejected by the raw sample ring.",
		},
		[]string{"source"},
	)
	m.restartsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_device_restarts",
			Help: "Times the capture device was restarted after an unexpected stop.",
		},
		[]string{"source"},
	)
	m.queueLenGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_queue_length",
			Help: "Blocks currently waiting in the capture queue.",
		},
		[]string{"source"},
	)
	m.audioLevelGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capture_audio_level",
			Help: "Most recent audio level on a 0-100 scale.",
		},
		[]string{"source"},
	)

	m.collectors = []prometheus.Collector{
		m.blocksTotal,
		m.readTimeoutsTotal,
		m.droppedGauge,
		m.overrunsGauge,
		m.restartsGauge,
		m.queueLenGauge,
		m.audioLevelGauge,
	}
}

// RecordBlock counts one block read from the capture queue.
func (m *CaptureMetrics) RecordBlock(source string) {
	m.blocksTotal.WithLabelValues(source).Inc()
}

// RecordReadTimeout counts one block read that timed out.
func (m *CaptureMetrics) RecordReadTimeout(source string) {
	m.readTimeoutsTotal.WithLabelValues(source).Inc()
}

// SetAudioLevel sets the most recent audio level for a source.
func (m *CaptureMetrics) SetAudioLevel(source string, level float64) {
	m.audioLevelGauge.WithLabelValues(source).Set(level)
}

// UpdateCaptureStats refreshes the gauges that mirror the capture's
// internal counters.
func (m *CaptureMetrics) UpdateCaptureStats(source string, dropped, overruns, restarts uint64, queueLen int) {
	m.droppedGauge.WithLabelValues(source).Set(float64(dropped))
	m.overrunsGauge.WithLabelValues(source).Set(float64(overruns))
	m.restartsGauge.WithLabelValues(source).Set(float64(restarts))
	m.queueLenGauge.WithLabelValues(source).Set(float64(queueLen))
}

// Describe implements the prometheus.Collector interface.
func (m *CaptureMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *CaptureMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

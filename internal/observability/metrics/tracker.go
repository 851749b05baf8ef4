// Package metrics provides tracker metrics for observability
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerMetrics contains Prometheus metrics for position tracking.
type TrackerMetrics struct {
	registry *prometheus.Registry

	updatesTotal *prometheus.CounterVec

	confidenceGauge prometheus.Gauge
	tempoRatioGauge prometheus.Gauge
	songTimeGauge   prometheus.Gauge

	updateDuration prometheus.Histogram

	collectors []prometheus.Collector
}

// NewTrackerMetrics creates a new TrackerMetrics instance and registers it
// with the provided registry.
func NewTrackerMetrics(registry *prometheus.Registry) (*TrackerMetrics, error) {
	m := &TrackerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register tracker metrics: %w", err)
	}
	return m, nil
}

func (m *TrackerMetrics) initMetrics() {
	m.updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_updates_total",
			Help: "Total number of tracker updates partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	m.confidenceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_confidence",
			Help: "Current position confidence between 0 and 1.",
		},
	)
	m.tempoRatioGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_tempo_ratio",
			Help: "Performer tempo relative to the song map, 1.0 meaning on tempo.",
		},
	)
	m.songTimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_song_time_seconds",
			Help: "Estimated position in the song.",
		},
	)
	m.updateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_update_duration_seconds",
			Help:    "Time taken for one tracker update.",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount10),
		},
	)

	m.collectors = []prometheus.Collector{
		m.updatesTotal,
		m.confidenceGauge,
		m.tempoRatioGauge,
		m.songTimeGauge,
		m.updateDuration,
	}
}

// RecordUpdate records one tracker update with its outcome label, one of
// OutcomeMatched, OutcomeRejected or OutcomeExtrapolated.
func (m *TrackerMetrics) RecordUpdate(outcome string, durationSeconds float64) {
	m.updatesTotal.WithLabelValues(outcome).Inc()
	m.updateDuration.Observe(durationSeconds)
}

// SetPosition refreshes the position gauges from the latest snapshot.
func (m *TrackerMetrics) SetPosition(songTime, confidence, tempoRatio float64) {
	m.songTimeGauge.Set(songTime)
	m.confidenceGauge.Set(confidence)
	m.tempoRatioGauge.Set(tempoRatio)
}

// Describe implements the prometheus.Collector interface.
func (m *TrackerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *TrackerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

// Package observability provides metrics and monitoring capabilities for the
// score-following pipeline.
package observability

import (
	"fmt"
	stdlog "log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Capture   *metrics.CaptureMetrics
	Analyzer  *metrics.AnalyzerMetrics
	Tracker   *metrics.TrackerMetrics
	Bus       *metrics.BusMetrics
	Monitor   *metrics.MonitorMetrics
	Datastore *metrics.DatastoreMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric
// collectors. It returns an error if any metric collector fails to register.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	captureMetrics, err := metrics.NewCaptureMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture metrics: %w", err)
	}

	analyzerMetrics, err := metrics.NewAnalyzerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer metrics: %w", err)
	}

	trackerMetrics, err := metrics.NewTrackerMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker metrics: %w", err)
	}

	busMetrics, err := metrics.NewBusMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus metrics: %w", err)
	}

	monitorMetrics, err := metrics.NewMonitorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor metrics: %w", err)
	}

	datastoreMetrics, err := metrics.NewDatastoreMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}

	return &Metrics{
		registry:  registry,
		Capture:   captureMetrics,
		Analyzer:  analyzerMetrics,
		Tracker:   trackerMetrics,
		Bus:       busMetrics,
		Monitor:   monitorMetrics,
		Datastore: datastoreMetrics,
	}, nil
}

// RegisterHandlers registers the metrics endpoint with the provided http.ServeMux.
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", m.metricsHandler)
}

// metricsHandler is the HTTP handler for the /metrics endpoint.
func (m *Metrics) metricsHandler(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	h.ServeHTTP(w, r)
}

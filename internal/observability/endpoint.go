// Package observability provides Prometheus metrics functionality for
// monitoring the tracking pipeline.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	metricspkg "github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// Endpoint handles all operations related to Prometheus-compatible telemetry.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates a new metrics Endpoint serving the provided Metrics
// instance. It returns an error when the metrics output is disabled in the
// settings; callers treat that as "no endpoint", not a failure.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Output.Metrics.Enabled {
		return nil, fmt.Errorf("metrics endpoint not enabled in settings")
	}

	return &Endpoint{
		listenAddress: settings.Output.Metrics.Listen,
		metrics:       metrics,
	}, nil
}

// Start initializes and runs the HTTP server for the metrics endpoint. It
// serves /metrics, /healthz and the pprof debug routes, and shuts down
// gracefully when quitChan closes.
func (e *Endpoint) Start(wg *sync.WaitGroup, quitChan <-chan struct{}) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)
	RegisterDebugHandlers(mux)
	mux.HandleFunc("/healthz", healthzHandler)

	e.server = &http.Server{
		Addr:    e.listenAddress,
		Handler: mux,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("metrics endpoint starting", "address", e.listenAddress)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics HTTP server error", "error", err)
		}
	}()

	go e.gracefulShutdown(quitChan)
}

// gracefulShutdown waits for the quit signal and shuts down the server gracefully.
func (e *Endpoint) gracefulShutdown(quitChan <-chan struct{}) {
	<-quitChan
	log.Info("stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// TestNewMetricsConcurrency verifies that NewMetrics can be called concurrently
// without causing race conditions
func TestNewMetricsConcurrency(t *testing.T) {
	// Number of concurrent goroutines to test with
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// Start multiple goroutines that all try to create metrics concurrently
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()

			// Call NewMetrics - this should not cause a race condition
			m, err := NewMetrics()
			if err != nil {
				t.Errorf("NewMetrics failed: %v", err)
				return
			}

			// Verify metrics is not nil
			if m == nil {
				t.Error("NewMetrics returned nil")
				return
			}

			// Verify all metric fields are initialized
			if m.registry == nil {
				t.Error("metrics.registry is nil")
			}
			if m.Capture == nil {
				t.Error("metrics.Capture is nil")
			}
			if m.Analyzer == nil {
				t.Error("metrics.Analyzer is nil")
			}
			if m.Tracker == nil {
				t.Error("metrics.Tracker is nil")
			}
			if m.Bus == nil {
				t.Error("metrics.Bus is nil")
			}
			if m.Monitor == nil {
				t.Error("metrics.Monitor is nil")
			}
			if m.Datastore == nil {
				t.Error("metrics.Datastore is nil")
			}
		}()
	}

	// Wait for all goroutines to complete
	wg.Wait()
}

// TestMetricsHandlerServesRecordedValues verifies that recorded metrics show
// up in the /metrics exposition output
func TestMetricsHandlerServesRecordedValues(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.Capture.RecordBlock("test-device")
	m.Analyzer.RecordAnalysis(0.002, 0.8, true)
	m.Tracker.RecordUpdate(metrics.OutcomeMatched, 0.001)
	m.Bus.RecordPublished("position_update")
	m.Monitor.SetUsage("cpu", 42.5)
	m.Datastore.RecordOperation(metrics.OpDbInsert, "success")

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}

	for _, want := range []string{
		"capture_blocks_total",
		"analyzer_onsets_total",
		"tracker_updates_total",
		"bus_messages_published_total",
		"monitor_resource_usage_percent",
		"datastore_operations_total",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// TestDatastoreMetricsImplementsRecorder pins the Recorder seam the
// datastore depends on
func TestDatastoreMetricsImplementsRecorder(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	var r metrics.Recorder = m.Datastore
	r.RecordOperation("insert", "success")
	r.RecordDuration("insert", 0.001)
	r.RecordError("insert", "io")
}

package monitor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// stubSampler feeds deterministic usage values into the monitor.
type stubSampler struct {
	mu  sync.Mutex
	v   float64
	err error
}

func (s *stubSampler) set(v float64) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *stubSampler) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSampler) read() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v, s.err
}

// alertSink collects resource alerts delivered over the bus.
type alertSink struct {
	mu     sync.Mutex
	types  []string
	alerts []ResourceAlert
}

func (s *alertSink) handle(msg *bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = append(s.types, msg.Type)
	if alert, ok := msg.Payload.(ResourceAlert); ok {
		s.alerts = append(s.alerts, alert)
	}
	return nil
}

func (s *alertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.types)
}

func (s *alertSink) typeAt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[i]
}

func cpuOnlySettings() conf.MonitorSettings {
	// memory and disk thresholds stay zero so only cpu is evaluated
	return conf.MonitorSettings{
		Enabled:     true,
		Interval:    time.Hour,
		CPUWarning:  85,
		CPUCritical: 95,
	}
}

func newTestMonitor(t *testing.T, settings conf.MonitorSettings, m *metrics.MonitorMetrics) (*Monitor, *stubSampler, *alertSink) {
	t.Helper()

	b := bus.New(16, time.Second, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })

	sink := &alertSink{}
	_, err := b.Subscribe(bus.TypeSystemWarning, bus.PriorityLow, sink.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(bus.TypeSystemCritical, bus.PriorityLow, sink.handle)
	require.NoError(t, err)

	mon := New(settings, b, m, nil)
	sampler := &stubSampler{}
	mon.cpuPercent = sampler.read
	mon.memPercent = func() (float64, error) { return 0, nil }
	mon.diskPercent = func(string) (float64, error) { return 0, nil }
	return mon, sampler, sink
}

func waitAlerts(t *testing.T, sink *alertSink, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.count() >= want },
		2*time.Second, 10*time.Millisecond,
		"expected %d alerts, got %d", want, sink.count())
}

func TestWarningPublishedOncePerExcursion(t *testing.T) {
	mon, sampler, sink := newTestMonitor(t, cpuOnlySettings(), nil)

	sampler.set(90)
	mon.TriggerCheck()
	waitAlerts(t, sink, 1)
	assert.Equal(t, bus.TypeSystemWarning, sink.typeAt(0))

	// still breached, already armed
	mon.TriggerCheck()
	mon.TriggerCheck()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// drop below warning minus hysteresis re-arms
	sampler.set(79)
	mon.TriggerCheck()
	sampler.set(90)
	mon.TriggerCheck()
	waitAlerts(t, sink, 2)
	assert.Equal(t, bus.TypeSystemWarning, sink.typeAt(1))
}

func TestCriticalEscalationAndRearm(t *testing.T) {
	mon, sampler, sink := newTestMonitor(t, cpuOnlySettings(), nil)

	sampler.set(96)
	mon.TriggerCheck()
	waitAlerts(t, sink, 1)
	assert.Equal(t, bus.TypeSystemCritical, sink.typeAt(0))

	// still critical
	mon.TriggerCheck()

	// inside the hysteresis band the critical flag holds
	sampler.set(92)
	mon.TriggerCheck()
	status := mon.Status()[ResourceCPU]
	assert.True(t, status.InCritical)

	// below critical minus hysteresis clears critical but stays in warning
	sampler.set(89)
	mon.TriggerCheck()
	status = mon.Status()[ResourceCPU]
	assert.False(t, status.InCritical)
	assert.True(t, status.InWarning)

	// re-armed critical fires again
	sampler.set(96)
	mon.TriggerCheck()
	waitAlerts(t, sink, 2)
	assert.Equal(t, bus.TypeSystemCritical, sink.typeAt(1))
}

func TestRecoveryRequiresHysteresis(t *testing.T) {
	mon, sampler, sink := newTestMonitor(t, cpuOnlySettings(), nil)

	sampler.set(86)
	mon.TriggerCheck()
	waitAlerts(t, sink, 1)

	// dipping below the threshold but inside the hysteresis band keeps the
	// alert armed, so re-crossing does not publish again
	sampler.set(84)
	mon.TriggerCheck()
	sampler.set(86)
	mon.TriggerCheck()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	sampler.set(79.9)
	mon.TriggerCheck()
	sampler.set(86)
	mon.TriggerCheck()
	waitAlerts(t, sink, 2)
}

func TestSamplerErrorDegradesToNoAlert(t *testing.T) {
	mon, sampler, sink := newTestMonitor(t, cpuOnlySettings(), nil)

	sampler.set(99)
	sampler.fail(fmt.Errorf("psutil unavailable"))
	mon.TriggerCheck()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	sampler.fail(nil)
	mon.TriggerCheck()
	waitAlerts(t, sink, 1)
	assert.Equal(t, bus.TypeSystemCritical, sink.typeAt(0))
}

func TestDisabledMonitorDoesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	settings := cpuOnlySettings()
	settings.Enabled = false

	sink := &alertSink{}
	mon := New(settings, nil, nil, nil)
	sampler := &stubSampler{}
	sampler.set(100)
	mon.cpuPercent = sampler.read

	mon.Start()
	mon.TriggerCheck()
	mon.Stop()
	assert.Equal(t, 0, sink.count())
}

func TestStartSamplesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := bus.New(16, time.Second, nil)
	require.NoError(t, b.Start())

	sink := &alertSink{}
	_, err := b.Subscribe(bus.TypeSystemWarning, bus.PriorityLow, sink.handle)
	require.NoError(t, err)

	settings := cpuOnlySettings()
	settings.Interval = 20 * time.Millisecond
	mon := New(settings, b, nil, nil)
	sampler := &stubSampler{}
	sampler.set(90)
	mon.cpuPercent = sampler.read
	mon.memPercent = func() (float64, error) { return 0, nil }
	mon.diskPercent = func(string) (float64, error) { return 0, nil }

	mon.Start()
	waitAlerts(t, sink, 1)

	mon.Stop()
	require.NoError(t, b.Stop())
}

func TestMetricsUsageAndBreaches(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewMonitorMetrics(registry)
	require.NoError(t, err)

	mon, sampler, sink := newTestMonitor(t, cpuOnlySettings(), m)

	sampler.set(96)
	mon.TriggerCheck() // critical breach
	sampler.set(79)
	mon.TriggerCheck() // recovery
	sampler.set(90)
	mon.TriggerCheck() // warning breach
	waitAlerts(t, sink, 2)

	families, err := registry.Gather()
	require.NoError(t, err)

	var breaches float64
	var lastUsage float64
	for _, mf := range families {
		switch mf.GetName() {
		case "monitor_threshold_breaches_total":
			for _, metric := range mf.GetMetric() {
				breaches += metric.GetCounter().GetValue()
			}
		case "monitor_resource_usage_percent":
			for _, metric := range mf.GetMetric() {
				for _, label := range metric.GetLabel() {
					if label.GetName() == "resource" && label.GetValue() == "cpu" {
						lastUsage = metric.GetGauge().GetValue()
					}
				}
			}
		}
	}
	assert.InDelta(t, 2.0, breaches, 0.01)
	assert.InDelta(t, 90.0, lastUsage, 0.01)
}

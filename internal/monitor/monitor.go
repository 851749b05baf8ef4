// Package monitor samples system resources on an interval and publishes
// threshold breaches to the message bus, so a stage rig surfaces CPU,
// memory or disk pressure before it degrades tracking.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// ResourceType identifies a monitored system resource.
type ResourceType string

const (
	ResourceCPU    ResourceType = "cpu"
	ResourceMemory ResourceType = "memory"
	ResourceDisk   ResourceType = "disk"
)

// Alert levels carried in ResourceAlert.Level.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// hysteresisPercent is how far usage must drop below a threshold before the
// alert re-arms. Without it a value oscillating on the threshold would spam
// the bus.
const hysteresisPercent = 5.0

// ResourceAlert is the bus payload for a threshold breach.
type ResourceAlert struct {
	Resource         string  `json:"resource"`
	UsagePercent     float64 `json:"usage_percent"`
	ThresholdPercent float64 `json:"threshold_percent"`
	Level            string  `json:"level"`
	Path             string  `json:"path,omitempty"` // disk only
}

// ResourceStatus is a point-in-time view of one monitored resource.
type ResourceStatus struct {
	UsagePercent float64
	InWarning    bool
	InCritical   bool
	LastCheck    time.Time
}

// alertState tracks breach flags per resource so each threshold publishes
// once per excursion.
type alertState struct {
	inWarning     bool
	inCritical    bool
	lastValue     float64
	lastCheck     time.Time
	criticalSince time.Time
}

// Monitor samples cpu/memory/disk usage and publishes system_warning and
// system_critical messages when configured thresholds are crossed.
type Monitor struct {
	settings conf.MonitorSettings
	bus      *bus.Bus
	metrics  *metrics.MonitorMetrics
	log      *slog.Logger

	mu     sync.Mutex
	states map[ResourceType]*alertState

	// sampling indirection, replaced in tests
	cpuPercent  func() (float64, error)
	memPercent  func() (float64, error)
	diskPercent func(path string) (float64, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor publishing to b. A nil metrics instance disables
// recording; a nil logger falls back to the service logger.
func New(settings conf.MonitorSettings, b *bus.Bus, m *metrics.MonitorMetrics, log *slog.Logger) *Monitor {
	if log == nil {
		log = logging.ForService("monitor")
	}
	if settings.Interval <= 0 {
		settings.Interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		settings: settings,
		bus:      b,
		metrics:  m,
		log:      log,
		states:   make(map[ResourceType]*alertState),
		cpuPercent: func() (float64, error) {
			// zero interval reads the instantaneous value without blocking
			pcts, err := cpu.Percent(0, false)
			if err != nil {
				return 0, err
			}
			if len(pcts) == 0 {
				return 0, nil
			}
			return pcts[0], nil
		},
		memPercent: func() (float64, error) {
			info, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return info.UsedPercent, nil
		},
		diskPercent: func(path string) (float64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the sampling loop. Disabled monitors return immediately.
func (m *Monitor) Start() {
	if !m.settings.Enabled {
		m.log.Info("resource monitoring disabled")
		return
	}

	m.log.Info("starting resource monitor",
		"interval", m.settings.Interval,
		"cpu_critical", m.settings.CPUCritical,
		"memory_critical", m.settings.MemoryCritical,
		"disk_critical", m.settings.DiskCritical,
		"disk_path", m.settings.DiskPath,
	)

	m.wg.Add(1)
	go m.loop()
}

// Stop cancels the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	m.checkAll()

	ticker := time.NewTicker(m.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.ctx.Done():
			return
		}
	}
}

// TriggerCheck runs one sampling pass immediately.
func (m *Monitor) TriggerCheck() {
	if !m.settings.Enabled {
		return
	}
	m.checkAll()
}

func (m *Monitor) checkAll() {
	if usage, err := m.cpuPercent(); err != nil {
		m.log.Error("cpu sample failed", "error", err)
	} else {
		m.evaluate(ResourceCPU, usage, m.settings.CPUWarning, m.settings.CPUCritical, "")
	}

	if usage, err := m.memPercent(); err != nil {
		m.log.Error("memory sample failed", "error", err)
	} else {
		m.evaluate(ResourceMemory, usage, m.settings.MemoryWarning, m.settings.MemoryCritical, "")
	}

	path := m.settings.DiskPath
	if path == "" {
		path = "/"
	}
	if usage, err := m.diskPercent(path); err != nil {
		m.log.Error("disk sample failed", "error", err, "path", path)
	} else {
		m.evaluate(ResourceDisk, usage, m.settings.DiskWarning, m.settings.DiskCritical, path)
	}
}

// evaluate updates the resource's alert state and publishes on threshold
// crossings. Each level fires once per excursion; usage must fall
// hysteresisPercent below a threshold before that level re-arms.
func (m *Monitor) evaluate(resource ResourceType, usage, warning, critical float64, path string) {
	if m.metrics != nil {
		m.metrics.SetUsage(string(resource), usage)
	}
	if warning <= 0 && critical <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[resource]
	if !ok {
		state = &alertState{}
		m.states[resource] = state
	}
	state.lastValue = usage
	state.lastCheck = time.Now()

	switch {
	case critical > 0 && usage >= critical:
		if !state.inCritical {
			m.publish(resource, usage, critical, LevelCritical, path)
			state.inCritical = true
			state.inWarning = true
			state.criticalSince = time.Now()
		}
	case warning > 0 && usage >= warning:
		if !state.inWarning {
			m.publish(resource, usage, warning, LevelWarning, path)
			state.inWarning = true
		}
		if state.inCritical && usage < critical-hysteresisPercent {
			m.log.Info("resource left critical state",
				"resource", resource,
				"usage_percent", usage,
				"critical_for", time.Since(state.criticalSince),
			)
			state.inCritical = false
			state.criticalSince = time.Time{}
		}
	default:
		if state.inWarning && usage < warning-hysteresisPercent {
			m.log.Info("resource usage recovered",
				"resource", resource,
				"usage_percent", usage,
			)
			state.inWarning = false
			state.inCritical = false
			state.criticalSince = time.Time{}
		}
	}
}

func (m *Monitor) publish(resource ResourceType, usage, threshold float64, level, path string) {
	if m.metrics != nil {
		m.metrics.RecordBreach(string(resource), level)
	}
	m.log.Warn("resource threshold exceeded",
		"resource", resource,
		"usage_percent", usage,
		"threshold_percent", threshold,
		"level", level,
	)
	if m.bus == nil {
		return
	}

	messageType := bus.TypeSystemWarning
	if level == LevelCritical {
		messageType = bus.TypeSystemCritical
	}
	alert := ResourceAlert{
		Resource:         string(resource),
		UsagePercent:     usage,
		ThresholdPercent: threshold,
		Level:            level,
		Path:             path,
	}
	if err := m.bus.Publish(bus.NewMessage("monitor", bus.Broadcast, messageType, alert)); err != nil {
		m.log.Warn("resource alert dropped", "resource", resource, "error", err)
	}
}

// Status returns the last observed state for every sampled resource.
func (m *Monitor) Status() map[ResourceType]ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ResourceType]ResourceStatus, len(m.states))
	for resource, state := range m.states {
		out[resource] = ResourceStatus{
			UsagePercent: state.lastValue,
			InWarning:    state.inWarning,
			InCritical:   state.inCritical,
			LastCheck:    state.lastCheck,
		}
	}
	return out
}

package session

import (
	"time"

	"github.com/scorefollow/scorefollow-go/internal/bus"
	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// StartInfo is the session_started payload.
type StartInfo struct {
	SessionID string    `json:"session_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Title     string    `json:"title,omitempty"`
	MapPath   string    `json:"map_path,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// StopInfo is the session_stopped payload.
type StopInfo struct {
	SessionID string    `json:"session_id,omitempty"`
	StoppedAt time.Time `json:"stopped_at"`
	Duration  float64   `json:"duration_seconds"`
	Summary   Summary   `json:"summary"`
}

// OnsetInfo is the onset_detected payload.
type OnsetInfo struct {
	PerformanceTime float64 `json:"performance_time"`
	Strength        float64 `json:"strength"`
	Matched         bool    `json:"matched"`
	SongTime        float64 `json:"song_time"`
	Confidence      float64 `json:"confidence"`
}

// SectionChange is the section_change payload.
type SectionChange struct {
	Section     int     `json:"section_index"`
	SectionName string  `json:"section,omitempty"`
	SongTime    float64 `json:"song_time"`
}

// ErrorInfo is the system_error payload.
type ErrorInfo struct {
	Component string    `json:"component"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// publish sends one session message. Overflow is counted and sampled into
// the debug log instead of propagating; the bus keeps its own reject
// counter.
func (s *Session) publish(messageType string, payload any) {
	msg := bus.NewMessage("session", bus.Broadcast, messageType, payload)
	if err := s.bus.Publish(msg); err != nil {
		if d := s.publishDrops.Add(1); d%32 == 1 {
			s.log.Debug("bus publish dropped", "type", messageType, "error", err)
		}
	}
}

// busReporter republishes every built enhanced error as a system_error
// message. Publish failures are dropped here: the bus is the reporter's
// sink, so there is nowhere further to surface them, and the error itself
// is already logged at its origin.
type busReporter struct {
	bus *bus.Bus
}

func (r busReporter) ReportError(ee *errors.EnhancedError) {
	info := ErrorInfo{
		Component: ee.GetComponent(),
		Category:  ee.GetCategory(),
		Message:   ee.Error(),
		Timestamp: ee.GetTimestamp(),
	}
	_ = r.bus.Publish(bus.NewMessage(info.Component, bus.Broadcast, bus.TypeSystemError, info))
}

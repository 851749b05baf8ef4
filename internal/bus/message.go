package bus

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders queued messages; a lower ordinal is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the lowercase name used in logs and stats.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Message types published during a tracking session.
const (
	TypePositionUpdate = "position_update"
	TypeOnsetDetected  = "onset_detected"
	TypeSectionChange  = "section_change"
	TypeLookahead      = "lookahead"
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeSystemWarning  = "system_warning"
	TypeSystemCritical = "system_critical"
	TypeSystemError    = "system_error"
)

// Broadcast is the conventional To value for messages addressed to every
// subscriber. Addressing is advisory either way: delivery is always to all
// subscribers of the message type, and To only travels along for consumers
// that want it.
const Broadcast = "broadcast"

// defaultPriorities maps each well-known message type to the urgency it is
// published at unless the caller overrides it.
var defaultPriorities = map[string]Priority{
	TypePositionUpdate: PriorityNormal,
	TypeOnsetDetected:  PriorityHigh,
	TypeSectionChange:  PriorityHigh,
	TypeLookahead:      PriorityLow,
	TypeSessionStarted: PriorityNormal,
	TypeSessionStopped: PriorityNormal,
	TypeSystemWarning:  PriorityHigh,
	TypeSystemCritical: PriorityCritical,
	TypeSystemError:    PriorityCritical,
}

// DefaultPriority returns the publish priority for a message type, or
// PriorityNormal for types the bus has never heard of.
func DefaultPriority(messageType string) Priority {
	if p, ok := defaultPriorities[messageType]; ok {
		return p
	}
	return PriorityNormal
}

// Message is one envelope on the bus. Payload carries a component-defined
// value; subscribers assert it to the type the message type implies.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewMessage builds a message with a fresh ID, the current time, and the
// default priority for its type.
func NewMessage(from, to, messageType string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		From:      from,
		To:        to,
		Priority:  DefaultPriority(messageType),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// WithPriority overrides the default priority and returns the message for
// chaining.
func (m *Message) WithPriority(p Priority) *Message {
	m.Priority = p
	return m
}

package trainer

import (
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
)

// Status is the connection/control state of one adapter instance.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusReady
	StatusControlled
	StatusErgActive
	StatusError
)

var statusNames = map[Status]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusReady:        "ready",
	StatusControlled:   "controlled",
	StatusErgActive:    "erg_active",
	StatusError:        "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// HasSession reports whether the status implies a live session with capabilities.
func (s Status) HasSession() bool {
	return s == StatusReady || s == StatusControlled || s == StatusErgActive
}

// HasControl reports whether control-point ownership is held.
func (s Status) HasControl() bool {
	return s == StatusControlled || s == StatusErgActive
}

// Event drives a Status transition.
type Event int

const (
	EventConnect Event = iota
	EventSessionReady
	EventControlGranted
	EventErgAcknowledged
	EventDisconnected
	EventFailed
)

var eventNames = map[Event]string{
	EventConnect:         "connect",
	EventSessionReady:    "session-ready",
	EventControlGranted:  "control-granted",
	EventErgAcknowledged: "erg-acknowledged",
	EventDisconnected:    "disconnected",
	EventFailed:          "failed",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Transition is the single transition function of the connection state machine.
func Transition(from Status, ev Event) (Status, error) {
	switch ev {
	case EventDisconnected:
		return StatusDisconnected, nil
	case EventFailed:
		return StatusError, nil
	case EventConnect:
		if from == StatusDisconnected || from == StatusError {
			return StatusConnecting, nil
		}
	case EventSessionReady:
		if from == StatusConnecting {
			return StatusReady, nil
		}
	case EventControlGranted:
		switch from {
		case StatusReady, StatusControlled:
			return StatusControlled, nil
		case StatusErgActive:
			return StatusErgActive, nil
		}
	case EventErgAcknowledged:
		if from.HasControl() {
			return StatusErgActive, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}

// StateMachine holds the current Status and notifies subscribers on change.
type StateMachine struct {
	mu      sync.Mutex
	current Status
	changes *events.Subscribers[Status]
}

// NewStateMachine starts in StatusDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: StatusDisconnected,
		changes: events.NewSubscribers[Status](false),
	}
}

// Current returns the current status.
func (m *StateMachine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire applies ev. Illegal transitions leave the state untouched and return
// an error wrapping ErrIllegalTransition.
func (m *StateMachine) Fire(ev Event) (Status, error) {
	m.mu.Lock()
	prev := m.current
	next, err := Transition(prev, ev)
	if err != nil {
		m.mu.Unlock()
		return prev, err
	}
	m.current = next
	m.mu.Unlock()

	if next != prev {
		m.changes.Publish(next)
	}
	return next, nil
}

// Require returns an error unless the current status passes ok.
func (m *StateMachine) Require(op string, ok func(Status) bool) error {
	s := m.Current()
	if !ok(s) {
		return fmt.Errorf("%w: %s while %s", ErrIllegalTransition, op, s)
	}
	return nil
}

// Subscribe registers cb for status changes.
func (m *StateMachine) Subscribe(cb func(Status)) func() {
	return m.changes.Subscribe(cb)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

// Package session drives a stimulation session: the operating-mode state
// machine, the prioritized transmit scheduler, the serial/WebSocket
// transport loop, and the controller tying them to a therapy protocol.
package session

import (
	"sync"

	"github.com/aurastim/aurastat/pkg/stimlink"
)

// State is the session operating state.
type State int

// Session states. A single instance lives from process start (Idle) to
// process shutdown.
const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCalibrating
	StateSelectingProtocol
	StateEditingSettings
	StateError
)

// String returns the state name for display and logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCalibrating:
		return "CALIBRATING"
	case StateSelectingProtocol:
		return "SELECTING_PROTOCOL"
	case StateEditingSettings:
		return "EDITING_SETTINGS"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Mode is a modal screen the operator can enter from Idle.
type Mode int

// Modal modes, each mapping to one session state.
const (
	ModeCalibration Mode = iota
	ModeProtocolSelect
	ModeSettings
)

func (m Mode) state() State {
	switch m {
	case ModeCalibration:
		return StateCalibrating
	case ModeProtocolSelect:
		return StateSelectingProtocol
	default:
		return StateEditingSettings
	}
}

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeCalibration:
		return "CALIBRATION"
	case ModeProtocolSelect:
		return "PROTOCOL_SELECT"
	default:
		return "SETTINGS"
	}
}

// Fault is a latched safety condition.
type Fault int

// Fault values. FaultNone means no fault is latched.
const (
	FaultNone Fault = iota
	FaultOverTemp
	FaultCoilDisconnect
)

// String returns the fault name.
func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "NONE"
	case FaultOverTemp:
		return "OVER_TEMPERATURE"
	case FaultCoilDisconnect:
		return "COIL_DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// EventKind discriminates notification events.
type EventKind int

// Notification kinds delivered to subscribers.
const (
	EventStateChanged EventKind = iota
	EventTelemetry
	EventTransportError
	EventConnectionChanged
)

// Event is one notification from the session core to the presentation
// layer. Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	State     State
	Fault     Fault
	Telemetry stimlink.Telemetry
	Err       error
	Connected bool
}

// Notifier fans events out to subscriber channels. Delivery is
// non-blocking: a subscriber that stops draining loses events rather than
// stalling the session core.
type Notifier struct {
	mu   sync.Mutex
	subs []chan Event
}

// Subscribe registers a new subscriber with the given buffer depth.
func (n *Notifier) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber that has buffer space.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"errors"
	"fmt"
	"sync"
)

// State machine errors.
var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrFaultActive       = errors.New("fault condition still active")
	ErrEditLocked        = errors.New("parameter edits locked in current state")
)

// Machine enforces which session actions are legal in which state. The
// guard rules are invariants, not UI conventions: every entry point goes
// through them, including physical-input paths.
type Machine struct {
	mu    sync.Mutex
	state State
	fault Fault

	onChange []func(State)
}

// NewMachine creates the session state machine in Idle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveFault returns the latched fault, or FaultNone.
func (m *Machine) ActiveFault() Fault {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// OnChange registers a callback invoked after every state change. The
// callback runs outside the machine lock.
func (m *Machine) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Machine) set(s State) {
	m.state = s
	callbacks := m.onChange
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(s)
	}
	m.mu.Lock()
}

// Start begins a session from Idle or resumes one from Paused.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle, StatePaused:
		m.set(StateRunning)
		return nil
	default:
		return fmt.Errorf("%w: start from %s", ErrIllegalTransition, m.state)
	}
}

// Pause holds a running session between trains.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrIllegalTransition, m.state)
	}
	m.set(StatePaused)
	return nil
}

// Stop aborts a running or paused session.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateRunning, StatePaused:
		m.set(StateIdle)
		return nil
	default:
		return fmt.Errorf("%w: stop from %s", ErrIllegalTransition, m.state)
	}
}

// Enter moves from Idle into a modal mode. Entry is forbidden while a
// session is active or a fault is latched.
func (m *Machine) Enter(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return fmt.Errorf("%w: enter %s from %s", ErrIllegalTransition, mode, m.state)
	}
	m.set(mode.state())
	return nil
}

// Apply commits the current modal mode and returns to Idle.
func (m *Machine) Apply() error {
	return m.leaveModal("apply")
}

// Cancel discards the current modal mode and returns to Idle.
func (m *Machine) Cancel() error {
	return m.leaveModal("cancel")
}

func (m *Machine) leaveModal(action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateCalibrating, StateSelectingProtocol, StateEditingSettings:
		m.set(StateIdle)
		return nil
	default:
		return fmt.Errorf("%w: %s from %s", ErrIllegalTransition, action, m.state)
	}
}

// RaiseFault latches a fault from any state and forces the machine into
// Error. It reports whether a session was interrupted, in which case the
// caller must transmit an immediate stop.
func (m *Machine) RaiseFault(f Fault) (interrupted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interrupted = m.state == StateRunning || m.state == StatePaused
	m.fault = f
	if m.state != StateError {
		m.set(StateError)
	}
	return interrupted
}

// ClearFault leaves Error once the fault condition has cleared. The caller
// confirms against live telemetry whether the condition is still present.
func (m *Machine) ClearFault(stillPresent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return fmt.Errorf("%w: clear fault from %s", ErrIllegalTransition, m.state)
	}
	if stillPresent {
		return fmt.Errorf("%w: %s", ErrFaultActive, m.fault)
	}
	m.fault = FaultNone
	m.set(StateIdle)
	return nil
}

// CanEditParameter reports whether a parameter edit is legal right now.
// Edits are allowed only in Idle; preset protocols additionally lock
// everything except the ramp fields.
func (m *Machine) CanEditParameter(preset, rampField bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return false
	}
	return !preset || rampField
}

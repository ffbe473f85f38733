// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

// Package stimlink provides a reference Go implementation of the StimLink
// serial protocol.
//
// StimLink is the binary protocol spoken between a host controller and the
// power stage microcontroller of Aura-series magnetic stimulators. This
// package provides frame encoding/decoding, checksum validation, command
// payload construction, and telemetry extraction.
package stimlink

// Frame geometry. Frames are fixed length per direction: two header bytes,
// a body, and a trailing additive checksum.
const (
	HeaderA = 0xA5
	HeaderB = 0x5A

	// CommandFrameSize is the host → stimulator frame length.
	CommandFrameSize = 18
	// TelemetryFrameSize is the stimulator → host frame length.
	TelemetryFrameSize = 16

	// CommandBodySize and TelemetryBodySize are the frame lengths minus
	// the two header bytes and the checksum byte.
	CommandBodySize   = CommandFrameSize - 3
	TelemetryBodySize = TelemetryFrameSize - 3
)

// Command codes (host → stimulator), first body byte of a command frame.
const (
	CmdStart           = 0x01
	CmdStop            = 0x02
	CmdPause           = 0x03
	CmdIdle            = 0x04
	CmdError           = 0x05
	CmdSinglePulse     = 0x06
	CmdThresholdStream = 0x07
	CmdSettings        = 0x08
)

// Command frame body offsets, relative to the start of the frame.
const (
	offCmd = 2

	// SETTINGS layout
	offIntensity      = 3  // u16 BE, absolute output percent ×10
	offFrequency      = 5  // u16 BE, Hz ×10
	offTrainInterval  = 7  // u16 BE, seconds ×10
	offPulseInterval  = 9  // u8, milliseconds
	offRampHi         = 10 // ramp curve byte pair
	offRampLo         = 11
	offTrainCount     = 12 // u16 BE
	offPulsesPerTrain = 14 // u16 BE
	offBurstPulses    = 16 // u8

	// SINGLE_PULSE / THRESHOLD_STREAM carry one u16 BE value
	offPulseValue = 3
)

// Telemetry frame offsets, relative to the start of the frame.
const (
	offStatus       = 2
	offTeleIntens   = 3 // u16 BE, percent ×10
	offCoilTemp     = 5 // u16 BE, °C ×10
	offIGBTTemp     = 7
	offResistorTemp = 9
	offCoilSwitch   = 11 // 0 = open, 1 = closed
)

// RunState is the stimulator execution state reported in telemetry.
type RunState int

// Run state values from the telemetry status byte.
const (
	RunStateIdle RunState = iota
	RunStateRunning
	RunStatePaused
	RunStateFault
	RunStateDischarging

	runStateMax = RunStateDischarging
)

// String returns the run state name for display and logging.
func (r RunState) String() string {
	switch r {
	case RunStateIdle:
		return "IDLE"
	case RunStateRunning:
		return "RUNNING"
	case RunStatePaused:
		return "PAUSED"
	case RunStateFault:
		return "FAULT"
	case RunStateDischarging:
		return "DISCHARGING"
	default:
		return "UNKNOWN"
	}
}

// CommandName returns a human-readable name for a command code.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdPause:
		return "PAUSE"
	case CmdIdle:
		return "IDLE"
	case CmdError:
		return "ERROR"
	case CmdSinglePulse:
		return "SINGLE_PULSE"
	case CmdThresholdStream:
		return "THRESHOLD_STREAM"
	case CmdSettings:
		return "SETTINGS"
	default:
		return "UNKNOWN"
	}
}

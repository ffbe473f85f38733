// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Telemetry is one decoded stimulator → host report.
type Telemetry struct {
	RunState      RunState
	Intensity     float64 // delivered output, percent of max
	CoilTemp      float64 // °C
	IGBTTemp      float64 // °C
	ResistorTemp  float64 // °C
	CoilConnected bool
	Timestamp     time.Time
}

// DecodeTelemetry extracts a telemetry reading from a validated frame.
// It is a pure mapping from fixed byte offsets. Out-of-range status codes
// are surfaced as ErrUnknownRunState, never silently defaulted.
func DecodeTelemetry(f Frame) (Telemetry, error) {
	if len(f.Bytes()) != TelemetryFrameSize {
		return Telemetry{}, fmt.Errorf("%w: %d bytes", ErrNotTelemetry, len(f.Bytes()))
	}
	buf := f.Bytes()

	state := RunState(buf[offStatus])
	if state > runStateMax {
		return Telemetry{}, fmt.Errorf("%w: code 0x%02X", ErrUnknownRunState, buf[offStatus])
	}

	return Telemetry{
		RunState:      state,
		Intensity:     float64(binary.BigEndian.Uint16(buf[offTeleIntens:])) / 10.0,
		CoilTemp:      float64(binary.BigEndian.Uint16(buf[offCoilTemp:])) / 10.0,
		IGBTTemp:      float64(binary.BigEndian.Uint16(buf[offIGBTTemp:])) / 10.0,
		ResistorTemp:  float64(binary.BigEndian.Uint16(buf[offResistorTemp:])) / 10.0,
		CoilConnected: buf[offCoilSwitch] != 0,
		Timestamp:     f.Timestamp(),
	}, nil
}

// EncodeTelemetry builds a telemetry frame from a reading. The firmware is
// the normal producer; this exists for loopback tests and the mock device.
func EncodeTelemetry(t Telemetry) Frame {
	body := make([]byte, TelemetryBodySize)
	body[offStatus-2] = byte(t.RunState)
	binary.BigEndian.PutUint16(body[offTeleIntens-2:], uint16(t.Intensity*10+0.5))
	binary.BigEndian.PutUint16(body[offCoilTemp-2:], uint16(t.CoilTemp*10+0.5))
	binary.BigEndian.PutUint16(body[offIGBTTemp-2:], uint16(t.IGBTTemp*10+0.5))
	binary.BigEndian.PutUint16(body[offResistorTemp-2:], uint16(t.ResistorTemp*10+0.5))
	if t.CoilConnected {
		body[offCoilSwitch-2] = 1
	}
	frame, err := NewTelemetryCodec().Encode(body)
	if err != nil {
		panic(fmt.Sprintf("stimlink: telemetry encode: %v", err))
	}
	return frame
}

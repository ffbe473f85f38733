// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import (
	"encoding/binary"
	"fmt"
)

// Command builder functions create complete, checksummed command frames.
// Each builder fills a fixed device-defined layout; unused body bytes stay
// zero. Builders never fail for in-range inputs because the body length is
// fixed at compile time.

// SettingsFields is the wire-level view of a therapy protocol: every value
// already scaled and clamped to what the firmware accepts. Callers must
// populate it from a clamped model snapshot, never from raw user input.
type SettingsFields struct {
	IntensityDeci     uint16 // absolute output, percent of max ×10
	FrequencyDeci     uint16 // Hz ×10
	TrainIntervalDeci uint16 // seconds ×10
	PulseIntervalMs   uint8
	RampHi            uint8
	RampLo            uint8
	TrainCount        uint16
	PulsesPerTrain    uint16
	BurstPulses       uint8
}

func command(cmd byte, fill func(body []byte)) Frame {
	body := make([]byte, CommandBodySize)
	body[0] = cmd
	if fill != nil {
		fill(body)
	}
	frame, err := NewCommandCodec().Encode(body)
	if err != nil {
		// Body size is fixed above, so this is unreachable.
		panic(fmt.Sprintf("stimlink: command encode: %v", err))
	}
	return frame
}

// Start builds a START frame: begin executing the loaded settings.
func Start() Frame {
	return command(CmdStart, nil)
}

// Stop builds a STOP frame: abort the session and discharge.
func Stop() Frame {
	return command(CmdStop, nil)
}

// Pause builds a PAUSE frame: hold between trains, keep charge.
func Pause() Frame {
	return command(CmdPause, nil)
}

// Idle builds an IDLE frame: disarm the power stage.
func Idle() Frame {
	return command(CmdIdle, nil)
}

// ErrorHalt builds an ERROR frame: force the firmware into its fault latch.
func ErrorHalt() Frame {
	return command(CmdError, nil)
}

// SinglePulse builds a SINGLE_PULSE frame at the given output, in percent
// of maximum stimulator output. Used during motor threshold calibration.
func SinglePulse(outputPercent int) Frame {
	return command(CmdSinglePulse, func(body []byte) {
		binary.BigEndian.PutUint16(body[offPulseValue-2:], uint16(outputPercent*10))
	})
}

// ThresholdStream builds a THRESHOLD_STREAM frame carrying the live
// calibration output value.
func ThresholdStream(outputPercent int) Frame {
	return command(CmdThresholdStream, func(body []byte) {
		binary.BigEndian.PutUint16(body[offPulseValue-2:], uint16(outputPercent*10))
	})
}

// EncodeSettings builds a SETTINGS frame from wire-level field values.
func EncodeSettings(f SettingsFields) Frame {
	return command(CmdSettings, func(body []byte) {
		binary.BigEndian.PutUint16(body[offIntensity-2:], f.IntensityDeci)
		binary.BigEndian.PutUint16(body[offFrequency-2:], f.FrequencyDeci)
		binary.BigEndian.PutUint16(body[offTrainInterval-2:], f.TrainIntervalDeci)
		body[offPulseInterval-2] = f.PulseIntervalMs
		body[offRampHi-2] = f.RampHi
		body[offRampLo-2] = f.RampLo
		binary.BigEndian.PutUint16(body[offTrainCount-2:], f.TrainCount)
		binary.BigEndian.PutUint16(body[offPulsesPerTrain-2:], f.PulsesPerTrain)
		body[offBurstPulses-2] = f.BurstPulses
	})
}

// ParseSettings extracts the field values from a SETTINGS frame. It is the
// reference decoder for what the firmware will see.
func ParseSettings(fr Frame) (SettingsFields, error) {
	if fr.Command() != CmdSettings {
		return SettingsFields{}, fmt.Errorf("%w: command 0x%02X", ErrNotSettings, fr.Command())
	}
	body := fr.Body()
	return SettingsFields{
		IntensityDeci:     binary.BigEndian.Uint16(body[offIntensity-2:]),
		FrequencyDeci:     binary.BigEndian.Uint16(body[offFrequency-2:]),
		TrainIntervalDeci: binary.BigEndian.Uint16(body[offTrainInterval-2:]),
		PulseIntervalMs:   body[offPulseInterval-2],
		RampHi:            body[offRampHi-2],
		RampLo:            body[offRampLo-2],
		TrainCount:        binary.BigEndian.Uint16(body[offTrainCount-2:]),
		PulsesPerTrain:    binary.BigEndian.Uint16(body[offPulsesPerTrain-2:]),
		BurstPulses:       body[offBurstPulses-2],
	}, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import (
	"fmt"
	"strings"
)

// FormatTelemetry renders one telemetry reading as a single log line.
func FormatTelemetry(t Telemetry) string {
	coil := "open"
	if t.CoilConnected {
		coil = "closed"
	}
	return fmt.Sprintf("%-11s out=%5.1f%%  coil=%5.1f°C  igbt=%5.1f°C  res=%5.1f°C  switch=%s",
		t.RunState, t.Intensity, t.CoilTemp, t.IGBTTemp, t.ResistorTemp, coil)
}

// FormatFrame renders a command frame in human-readable form.
func FormatFrame(f Frame) string {
	var sb strings.Builder
	sb.WriteString(CommandName(f.Command()))

	switch f.Command() {
	case CmdSinglePulse, CmdThresholdStream:
		v := uint16(f.Body()[1])<<8 | uint16(f.Body()[2])
		fmt.Fprintf(&sb, " out=%.1f%%", float64(v)/10.0)
	case CmdSettings:
		if s, err := ParseSettings(f); err == nil {
			fmt.Fprintf(&sb, " int=%.1f%% freq=%.1fHz trains=%d×%d iti=%.1fs burst=%d ipi=%dms ramp=%d.%02d",
				float64(s.IntensityDeci)/10.0, float64(s.FrequencyDeci)/10.0,
				s.TrainCount, s.PulsesPerTrain, float64(s.TrainIntervalDeci)/10.0,
				s.BurstPulses, s.PulseIntervalMs, s.RampHi, s.RampLo)
		}
	}

	fmt.Fprintf(&sb, "  [% X]", f.Bytes())
	return sb.String()
}

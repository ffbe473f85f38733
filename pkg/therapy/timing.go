// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package therapy

// Timing model: pure functions of a Settings snapshot. The progress display
// and the wire encoder both go through these, so the host never disagrees
// with the device about how long a session runs.

// TrainDuration returns the duration of one train, in seconds. In burst
// mode every train repetition delivers a pulse cluster, so the burst span
// extends each period.
func TrainDuration(s Settings) float64 {
	if s.BurstPulses <= 1 {
		return float64(s.PulsesPerTrain) / s.FrequencyHz
	}
	period := 1.0/s.FrequencyHz + float64(s.BurstPulses-1)*float64(s.InterPulseIntervalMs)/1000.0
	return float64(s.PulsesPerTrain) * period
}

// SessionDuration returns the full session duration in seconds: all trains
// plus the rest intervals between them.
func SessionDuration(s Settings) float64 {
	return float64(s.TrainCount)*TrainDuration(s) +
		float64(s.TrainCount-1)*s.InterTrainIntervalS
}

// TotalPulses returns the number of pulses delivered in a full session.
func TotalPulses(s Settings) int {
	burst := s.BurstPulses
	if burst < 1 {
		burst = 1
	}
	return s.TrainCount * s.PulsesPerTrain * burst
}

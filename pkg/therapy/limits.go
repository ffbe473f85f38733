// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

// Package therapy models stimulation protocols for Aura-series devices:
// bounded, cross-linked therapy parameters, derived timing figures, and a
// named protocol store.
package therapy

// Hardware limits for the Aura power stage. Dynamic bounds (intensity
// against motor threshold, frequency against burst spacing) are derived
// from these in the reconciliation step.
const (
	MTMin = 1
	MTMax = 100

	// IntensityMax is the static ceiling; the effective maximum is
	// min(IntensityMax, 10000/MT) so absolute output never exceeds 100%.
	IntensityMin = 10
	IntensityMax = 200

	FrequencyMinHz = 0.1
	FrequencyMaxHz = 100.0

	PulsesPerTrainMin = 1
	PulsesPerTrainMax = 1000

	TrainCountMin = 1
	TrainCountMax = 500

	InterTrainMinS = 0.1
	InterTrainMaxS = 300.0

	BurstPulsesMin = 1
	BurstPulsesMax = 5

	// InterPulseFloorMs is forced whenever burst mode is off.
	InterPulseFloorMs = 1
	InterPulseMaxMs   = 100

	RampFractionMin = 0.70
	RampFractionMax = 1.00

	RampStepsMin = 1
	RampStepsMax = 10
)

// Coil and power stage temperature ceilings, °C. Telemetry at or above
// these levels is a safety fault, not a warning.
const (
	CoilTempMaxC     = 41.0
	IGBTTempMaxC     = 70.0
	ResistorTempMaxC = 80.0
)

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package therapy

import (
	"math"
	"sync"
)

// Settings is a value snapshot of the therapy parameters. It is what the
// timing model and the wire encoder consume: copying it is cheap and the
// copy never changes under the reader.
type Settings struct {
	MTPercent            int     // motor threshold, % of max output
	IntensityPercentMT   int     // relative intensity, % of MT
	FrequencyHz          float64 // train repetition rate
	PulsesPerTrain       int
	TrainCount           int
	InterTrainIntervalS  float64 // rest between trains
	BurstPulses          int     // 1 = no burst structure
	InterPulseIntervalMs int     // pulse spacing inside a burst
	RampFraction         float64 // starting fraction of target intensity
	RampSteps            int
}

// AbsoluteOutput returns the stimulator output in percent of maximum.
func (s Settings) AbsoluteOutput() float64 {
	return float64(s.MTPercent) * float64(s.IntensityPercentMT) / 100.0
}

// MaxIntensity returns the dynamic ceiling for IntensityPercentMT given the
// current motor threshold, so that AbsoluteOutput never exceeds 100%.
func (s Settings) MaxIntensity() float64 {
	if s.MTPercent <= 0 {
		return IntensityMax
	}
	return math.Min(IntensityMax, 10000.0/float64(s.MTPercent))
}

// MaxFrequency returns the dynamic frequency ceiling: with burst mode on,
// the whole burst must fit inside one inter-pulse period of the train.
func (s Settings) MaxFrequency() float64 {
	if s.BurstPulses <= 1 || s.InterPulseIntervalMs <= 0 {
		return FrequencyMaxHz
	}
	burstSpanMs := float64(s.BurstPulses-1) * float64(s.InterPulseIntervalMs)
	return math.Min(FrequencyMaxHz, 1000.0/burstSpanMs)
}

// RampBytes derives the two-byte ramp curve encoding sent to the firmware.
// The per-step growth factor is (1/fraction)^(1/steps); the fractional
// growth ×10000 is split as (value div 100, value mod 100).
func (s Settings) RampBytes() (hi, lo uint8) {
	factor := math.Pow(1.0/s.RampFraction, 1.0/float64(s.RampSteps))
	flat := int(math.Round((factor - 1.0) * 10000.0))
	return uint8(flat / 100), uint8(flat % 100)
}

// Protocol is one named therapy protocol bound to a subject's motor
// threshold. All mutation goes through the setters, each of which clamps
// its field and re-reconciles every dependent bound, so no observable state
// violates a limit, even transiently across a bulk update.
//
// Out-of-range values are always clamped, never rejected. The stimulator
// firmware applies the same policy, so host and device agree on the
// effective values without a handshake.
type Protocol struct {
	mu sync.Mutex

	name         string
	description  string
	targetRegion string
	indication   string // classification tag, e.g. "MDD", "OCD"
	preset       bool   // preset protocols lock all edits except ramp

	s Settings
}

// NewProtocol creates a protocol with the given settings, clamped to the
// hardware limits.
func NewProtocol(name string, s Settings) *Protocol {
	p := &Protocol{name: name, s: s}
	p.reconcile()
	return p
}

// NewPresetProtocol creates a locked factory protocol: only the ramp fields
// remain editable.
func NewPresetProtocol(name string, s Settings) *Protocol {
	p := NewProtocol(name, s)
	p.preset = true
	return p
}

// reconcile re-derives every dynamic bound and clamps all fields in one
// canonical order. It is invoked after every write so the order of
// assignments can never leave an inconsistent pair behind. Callers hold mu.
func (p *Protocol) reconcile() {
	s := &p.s

	s.MTPercent = clampInt(s.MTPercent, MTMin, MTMax)

	maxIntensity := int(math.Floor(s.MaxIntensity()))
	s.IntensityPercentMT = clampInt(s.IntensityPercentMT, IntensityMin, maxIntensity)

	s.BurstPulses = clampInt(s.BurstPulses, BurstPulsesMin, BurstPulsesMax)
	if s.BurstPulses == 1 {
		s.InterPulseIntervalMs = InterPulseFloorMs
	} else {
		s.InterPulseIntervalMs = clampInt(s.InterPulseIntervalMs, InterPulseFloorMs, InterPulseMaxMs)
	}

	s.FrequencyHz = clampFloat(s.FrequencyHz, FrequencyMinHz, s.MaxFrequency())

	s.PulsesPerTrain = clampInt(s.PulsesPerTrain, PulsesPerTrainMin, PulsesPerTrainMax)
	s.TrainCount = clampInt(s.TrainCount, TrainCountMin, TrainCountMax)
	s.InterTrainIntervalS = clampFloat(s.InterTrainIntervalS, InterTrainMinS, InterTrainMaxS)

	s.RampFraction = clampFloat(s.RampFraction, RampFractionMin, RampFractionMax)
	s.RampSteps = clampInt(s.RampSteps, RampStepsMin, RampStepsMax)
}

// Snapshot returns a consistent copy of the current settings. Cross-
// goroutine readers use this instead of reading fields individually.
func (p *Protocol) Snapshot() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

// ApplySettings replaces all settings in one atomic reconciliation step and
// returns the effective (clamped) result.
func (p *Protocol) ApplySettings(s Settings) Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s = s
	p.reconcile()
	return p.s
}

// SetMTPercent sets the subject's motor threshold and re-clamps the
// relative intensity against the new dynamic maximum. Returns the clamped
// value.
func (p *Protocol) SetMTPercent(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.MTPercent = v
	p.reconcile()
	return p.s.MTPercent
}

// SetIntensityPercentMT sets the relative intensity in percent of MT.
func (p *Protocol) SetIntensityPercentMT(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.IntensityPercentMT = v
	p.reconcile()
	return p.s.IntensityPercentMT
}

// SetAbsoluteOutput back-solves the relative intensity from an absolute
// output percentage and re-validates it against the current dynamic
// maximum. Returns the effective absolute output after clamping.
func (p *Protocol) SetAbsoluteOutput(v float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.s.MTPercent > 0 {
		p.s.IntensityPercentMT = int(math.Round(v * 100.0 / float64(p.s.MTPercent)))
	}
	p.reconcile()
	return p.s.AbsoluteOutput()
}

// SetFrequencyHz sets the train repetition rate, capped so a full burst
// fits inside one inter-pulse period.
func (p *Protocol) SetFrequencyHz(v float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.FrequencyHz = v
	p.reconcile()
	return p.s.FrequencyHz
}

// SetPulsesPerTrain sets the pulse count per train.
func (p *Protocol) SetPulsesPerTrain(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.PulsesPerTrain = v
	p.reconcile()
	return p.s.PulsesPerTrain
}

// SetTrainCount sets the number of trains in a session.
func (p *Protocol) SetTrainCount(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.TrainCount = v
	p.reconcile()
	return p.s.TrainCount
}

// SetInterTrainInterval sets the rest time between trains, in seconds.
func (p *Protocol) SetInterTrainInterval(v float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.InterTrainIntervalS = v
	p.reconcile()
	return p.s.InterTrainIntervalS
}

// SetBurstPulses sets the burst pulse count. Setting it to 1 forces the
// inter-pulse interval back to its single-pulse floor.
func (p *Protocol) SetBurstPulses(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.BurstPulses = v
	p.reconcile()
	return p.s.BurstPulses
}

// SetInterPulseInterval sets the pulse spacing inside a burst, in
// milliseconds. The frequency is re-capped against the new burst span.
func (p *Protocol) SetInterPulseInterval(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.InterPulseIntervalMs = v
	p.reconcile()
	return p.s.InterPulseIntervalMs
}

// SetRampFraction sets the starting intensity fraction of the ramp.
func (p *Protocol) SetRampFraction(v float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.RampFraction = v
	p.reconcile()
	return p.s.RampFraction
}

// SetRampSteps sets the number of ramp steps.
func (p *Protocol) SetRampSteps(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.s.RampSteps = v
	p.reconcile()
	return p.s.RampSteps
}

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

// Description returns the free-form protocol description.
func (p *Protocol) Description() string { return p.description }

// TargetRegion returns the anatomical target, e.g. "left DLPFC".
func (p *Protocol) TargetRegion() string { return p.targetRegion }

// Indication returns the clinical classification tag.
func (p *Protocol) Indication() string { return p.indication }

// Preset reports whether the protocol is a locked factory preset.
func (p *Protocol) Preset() bool { return p.preset }

// SetIdentity updates the descriptive fields.
func (p *Protocol) SetIdentity(description, targetRegion, indication string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.description = description
	p.targetRegion = targetRegion
	p.indication = indication
}

// TotalPulses returns the total pulse count for a full session.
func (p *Protocol) TotalPulses() int {
	return TotalPulses(p.Snapshot())
}

// TotalDurationSeconds returns the full session duration.
func (p *Protocol) TotalDurationSeconds() float64 {
	return SessionDuration(p.Snapshot())
}

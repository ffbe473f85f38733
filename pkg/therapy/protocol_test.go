// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package therapy

import (
	"math"
	"testing"
)

func baseSettings() Settings {
	return Settings{
		MTPercent:            60,
		IntensityPercentMT:   110,
		FrequencyHz:          10.0,
		PulsesPerTrain:       50,
		TrainCount:           10,
		InterTrainIntervalS:  20.0,
		BurstPulses:          1,
		InterPulseIntervalMs: 1,
		RampFraction:         0.80,
		RampSteps:            1,
	}
}

// ============================================================
// Dynamic Intensity Bound Tests
// ============================================================

func TestProtocol_AbsoluteOutputNeverExceeds100(t *testing.T) {
	p := NewProtocol("sweep", baseSettings())

	for mt := MTMin; mt <= MTMax; mt++ {
		p.SetMTPercent(mt)
		p.SetIntensityPercentMT(IntensityMax) // ask for the global max
		s := p.Snapshot()
		if abs := s.AbsoluteOutput(); abs > 100.0 {
			t.Fatalf("MT=%d intensity=%d gives absolute output %.2f%% > 100%%",
				mt, s.IntensityPercentMT, abs)
		}
	}
}

func TestProtocol_IntensityCeilingAtMT51(t *testing.T) {
	p := NewProtocol("t", baseSettings())
	p.SetMTPercent(51)
	got := p.SetIntensityPercentMT(200)
	if got != 196 { // floor(10000/51)
		t.Errorf("intensity clamped to %d, want 196", got)
	}
}

func TestProtocol_RaisingMTReclampsIntensity(t *testing.T) {
	p := NewProtocol("t", baseSettings())
	p.SetMTPercent(50)
	if got := p.SetIntensityPercentMT(200); got != 200 {
		t.Fatalf("intensity at MT 50: got %d, want 200", got)
	}

	// Raising MT shrinks the intensity ceiling; the stored value follows.
	p.SetMTPercent(80)
	if got := p.Snapshot().IntensityPercentMT; got != 125 {
		t.Errorf("intensity after MT raise: got %d, want 125", got)
	}
}

func TestProtocol_SetAbsoluteOutput(t *testing.T) {
	p := NewProtocol("t", baseSettings())
	p.SetMTPercent(60)

	got := p.SetAbsoluteOutput(45.0)
	// 45/60 = 75% of MT, exactly representable.
	if p.Snapshot().IntensityPercentMT != 75 {
		t.Errorf("back-solved intensity %d, want 75", p.Snapshot().IntensityPercentMT)
	}
	if got != 45.0 {
		t.Errorf("effective absolute output %.2f, want 45.00", got)
	}

	// Requests above 100% absolute clamp at the dynamic ceiling.
	got = p.SetAbsoluteOutput(150.0)
	if got > 100.0 {
		t.Errorf("absolute output %.2f exceeds 100%%", got)
	}
}

// ============================================================
// Burst Coupling Tests
// ============================================================

func TestProtocol_SingleBurstForcesIPIFloor(t *testing.T) {
	s := baseSettings()
	s.BurstPulses = 3
	s.InterPulseIntervalMs = 50
	p := NewProtocol("t", s)

	if got := p.Snapshot().InterPulseIntervalMs; got != 50 {
		t.Fatalf("burst-mode IPI %d, want 50", got)
	}

	p.SetBurstPulses(1)
	if got := p.Snapshot().InterPulseIntervalMs; got != InterPulseFloorMs {
		t.Errorf("IPI after leaving burst mode: %d, want floor %d", got, InterPulseFloorMs)
	}
}

func TestProtocol_BurstCapsFrequency(t *testing.T) {
	s := baseSettings()
	s.BurstPulses = 3
	s.InterPulseIntervalMs = 20
	s.FrequencyHz = 100.0
	p := NewProtocol("t", s)

	// Burst span is (3-1)*20 = 40 ms, so at most 25 trains per second.
	if got := p.Snapshot().FrequencyHz; got != 25.0 {
		t.Errorf("frequency capped to %.1f, want 25.0", got)
	}

	// Widening the spacing tightens the cap further.
	p.SetInterPulseInterval(100)
	if got := p.Snapshot().FrequencyHz; got != 5.0 {
		t.Errorf("frequency after IPI widen: %.1f, want 5.0", got)
	}

	// Leaving burst mode lifts the cap entirely.
	p.SetBurstPulses(1)
	if got := p.SetFrequencyHz(100.0); got != 100.0 {
		t.Errorf("frequency without burst: %.1f, want 100.0", got)
	}
}

// ============================================================
// Clamp Policy Tests
// ============================================================

func TestProtocol_ClampOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		set  func(p *Protocol)
		get  func(s Settings) float64
		want float64
	}{
		{"MT below min", func(p *Protocol) { p.SetMTPercent(-5) },
			func(s Settings) float64 { return float64(s.MTPercent) }, MTMin},
		{"MT above max", func(p *Protocol) { p.SetMTPercent(999) },
			func(s Settings) float64 { return float64(s.MTPercent) }, MTMax},
		{"frequency below min", func(p *Protocol) { p.SetFrequencyHz(0.01) },
			func(s Settings) float64 { return s.FrequencyHz }, FrequencyMinHz},
		{"trains above max", func(p *Protocol) { p.SetTrainCount(10000) },
			func(s Settings) float64 { return float64(s.TrainCount) }, TrainCountMax},
		{"ITI above max", func(p *Protocol) { p.SetInterTrainInterval(1e6) },
			func(s Settings) float64 { return s.InterTrainIntervalS }, InterTrainMaxS},
		{"ramp fraction below min", func(p *Protocol) { p.SetRampFraction(0.1) },
			func(s Settings) float64 { return s.RampFraction }, RampFractionMin},
		{"ramp steps above max", func(p *Protocol) { p.SetRampSteps(50) },
			func(s Settings) float64 { return float64(s.RampSteps) }, RampStepsMax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProtocol("t", baseSettings())
			tt.set(p)
			if got := tt.get(p.Snapshot()); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestProtocol_ReconcileIdempotent: applying a snapshot back to a protocol
// must change nothing. Clamping is a fixed point, not an oscillation.
func TestProtocol_ReconcileIdempotent(t *testing.T) {
	inputs := []Settings{
		baseSettings(),
		{MTPercent: 200, IntensityPercentMT: 500, FrequencyHz: 1000,
			BurstPulses: 9, InterPulseIntervalMs: 0, RampFraction: 0.01},
		{MTPercent: -1, FrequencyHz: -1, TrainCount: -1, RampSteps: -1},
	}

	for i, in := range inputs {
		p := NewProtocol("t", in)
		first := p.Snapshot()
		second := p.ApplySettings(first)
		if first != second {
			t.Errorf("input %d not a fixed point:\nfirst  %+v\nsecond %+v", i, first, second)
		}
	}
}

// ============================================================
// Ramp Encoding Tests
// ============================================================

func TestSettings_RampBytes(t *testing.T) {
	tests := []struct {
		name     string
		fraction float64
		steps    int
		hi, lo   uint8
	}{
		{"80% one step", 0.80, 1, 25, 0},   // factor 1.25
		{"70% one step", 0.70, 1, 42, 86},  // factor 1.4286
		{"no ramp", 1.00, 1, 0, 0},         // factor 1.0
		{"80% two steps", 0.80, 2, 11, 80}, // factor sqrt(1.25) = 1.1180
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Settings{RampFraction: tt.fraction, RampSteps: tt.steps}
			hi, lo := s.RampBytes()
			if hi != tt.hi || lo != tt.lo {
				t.Errorf("RampBytes = (%d, %d), want (%d, %d)", hi, lo, tt.hi, tt.lo)
			}
		})
	}
}

// TestSettings_RampBytesReconstruct checks the encoding is invertible within
// rounding tolerance over the whole legal range.
func TestSettings_RampBytesReconstruct(t *testing.T) {
	for steps := RampStepsMin; steps <= RampStepsMax; steps++ {
		for frac := RampFractionMin; frac <= RampFractionMax+1e-9; frac += 0.01 {
			s := Settings{RampFraction: frac, RampSteps: steps}
			hi, lo := s.RampBytes()
			factor := 1.0 + float64(int(hi)*100+int(lo))/10000.0
			recovered := 1.0 / math.Pow(factor, float64(steps))
			if math.Abs(recovered-frac) > 0.005 {
				t.Fatalf("fraction %.2f steps %d: recovered %.4f", frac, steps, recovered)
			}
		}
	}
}

// ============================================================
// Preset Tests
// ============================================================

func TestNewPresetProtocol(t *testing.T) {
	p := NewPresetProtocol("factory iTBS", baseSettings())
	if !p.Preset() {
		t.Error("preset flag not set")
	}
	if NewProtocol("custom", baseSettings()).Preset() {
		t.Error("plain protocol reports preset")
	}
}

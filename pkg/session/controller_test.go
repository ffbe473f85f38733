// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurastim/aurastat/pkg/stimlink"
	"github.com/aurastim/aurastat/pkg/therapy"
)

// fakeConn captures transmitted frames. Read is never used by these tests;
// telemetry is injected directly into the controller.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *fakeConn) Read(p []byte) (int, error) { return 0, nil }
func (f *fakeConn) Close() error               { return nil }

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.writes = append(f.writes, buf)
	return len(p), nil
}

func (f *fakeConn) sentCommands(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	codec := stimlink.NewCommandCodec()
	var cmds []byte
	for _, w := range f.writes {
		frame, err := codec.Decode(w)
		if err != nil {
			t.Fatalf("controller transmitted an invalid frame: %v", err)
		}
		cmds = append(cmds, frame.Command())
	}
	return cmds
}

func testProtocol() *therapy.Protocol {
	return therapy.NewProtocol("test", therapy.Settings{
		MTPercent: 60, IntensityPercentMT: 120, FrequencyHz: 10,
		PulsesPerTrain: 50, TrainCount: 10, InterTrainIntervalS: 20,
		BurstPulses: 1, RampFraction: 0.8, RampSteps: 1,
	})
}

func testController(t *testing.T) (*Controller, *fakeConn) {
	t.Helper()
	c := NewController(Config{
		Logger:   zerolog.Nop(),
		Protocol: testProtocol(),
	})
	conn := &fakeConn{}
	c.setConn(conn)
	c.refreshSettingsFrame()
	return c, conn
}

func overTempReading() stimlink.Telemetry {
	return stimlink.Telemetry{
		RunState:      stimlink.RunStateRunning,
		CoilTemp:      therapy.CoilTempMaxC + 0.5,
		IGBTTemp:      30,
		ResistorTemp:  30,
		CoilConnected: true,
	}
}

func normalReading() stimlink.Telemetry {
	return stimlink.Telemetry{
		RunState:      stimlink.RunStateIdle,
		CoilTemp:      30,
		IGBTTemp:      30,
		ResistorTemp:  30,
		CoilConnected: true,
	}
}

// ============================================================
// Settings Frame Tests
// ============================================================

func TestSettingsFrame_WireScaling(t *testing.T) {
	fields, err := stimlink.ParseSettings(SettingsFrame(testProtocol().Snapshot()))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}

	// 60% MT × 120% = 72.0% absolute.
	if fields.IntensityDeci != 720 {
		t.Errorf("intensity %d, want 720", fields.IntensityDeci)
	}
	if fields.FrequencyDeci != 100 {
		t.Errorf("frequency %d, want 100", fields.FrequencyDeci)
	}
	if fields.TrainIntervalDeci != 200 {
		t.Errorf("train interval %d, want 200", fields.TrainIntervalDeci)
	}
	if fields.TrainCount != 10 || fields.PulsesPerTrain != 50 || fields.BurstPulses != 1 {
		t.Errorf("counts wrong: %+v", fields)
	}
	if fields.RampHi != 25 || fields.RampLo != 0 {
		t.Errorf("ramp bytes (%d, %d), want (25, 0)", fields.RampHi, fields.RampLo)
	}
}

// ============================================================
// Fault Handling Tests
// ============================================================

// TestController_FaultDuringSession: over-temperature telemetry while
// running must transmit STOP and latch the Error state.
func TestController_FaultDuringSession(t *testing.T) {
	c, conn := testController(t)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.handleTelemetry(overTempReading())

	if c.State() != StateError {
		t.Fatalf("state %s, want Error", c.State())
	}
	if c.ActiveFault() != FaultOverTemp {
		t.Fatalf("fault %s, want over-temperature", c.ActiveFault())
	}

	// The fault displaced the pending START; the next tick carries STOP.
	c.sched.Tick()
	cmds := conn.sentCommands(t)
	if len(cmds) != 1 || cmds[0] != stimlink.CmdStop {
		t.Fatalf("transmitted %v, want a single STOP", cmds)
	}
}

func TestController_FaultWhileIdleArmsErrorLatch(t *testing.T) {
	c, conn := testController(t)

	c.handleTelemetry(stimlink.Telemetry{
		RunState: stimlink.RunStateIdle,
		CoilTemp: 30, IGBTTemp: 30, ResistorTemp: 30,
		CoilConnected: false,
	})

	if c.ActiveFault() != FaultCoilDisconnect {
		t.Fatalf("fault %s, want coil disconnect", c.ActiveFault())
	}

	// No session to interrupt: the ERROR command arms the firmware latch.
	c.sched.Tick()
	cmds := conn.sentCommands(t)
	if len(cmds) != 1 || cmds[0] != stimlink.CmdError {
		t.Fatalf("transmitted %v, want a single ERROR", cmds)
	}
}

func TestController_ClearFault(t *testing.T) {
	c, conn := testController(t)
	c.handleTelemetry(overTempReading())

	// Still hot: the clear is refused.
	if err := c.ClearFault(); !errors.Is(err, ErrFaultActive) {
		t.Fatalf("expected ErrFaultActive, got %v", err)
	}

	// Cooled down: clearing succeeds and disarms the stimulator.
	c.handleTelemetry(normalReading())
	if err := c.ClearFault(); err != nil {
		t.Fatalf("ClearFault: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state %s after clear, want Idle", c.State())
	}

	c.sched.Tick()
	cmds := conn.sentCommands(t)
	if len(cmds) == 0 || cmds[len(cmds)-1] != stimlink.CmdIdle {
		t.Fatalf("transmitted %v, want trailing IDLE", cmds)
	}
}

func TestController_RepeatFaultNotReRaised(t *testing.T) {
	c, _ := testController(t)
	c.handleTelemetry(overTempReading())
	c.sched.Tick()

	// A second hot reading while already in Error must not queue again.
	c.handleTelemetry(overTempReading())
	if c.sched.Pending() {
		t.Error("repeated fault telemetry queued another command")
	}
}

// ============================================================
// Operation Guard Tests
// ============================================================

func TestController_SinglePulseGuards(t *testing.T) {
	c, conn := testController(t)

	if err := c.SinglePulse(150); err != nil {
		t.Fatalf("SinglePulse from Idle: %v", err)
	}
	c.sched.Tick()

	// Out-of-range request clamps to the output maximum.
	codec := stimlink.NewCommandCodec()
	frame, err := codec.Decode(conn.writes[0])
	if err != nil {
		t.Fatal(err)
	}
	body := frame.Body()
	if got := uint16(body[1])<<8 | uint16(body[2]); got != 1000 {
		t.Errorf("pulse value %d, want 1000 (100%% ×10)", got)
	}

	c.Start()
	if err := c.SinglePulse(50); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("single pulse while running: got %v", err)
	}
}

func TestController_ThresholdStreamingOnlyWhileCalibrating(t *testing.T) {
	c, _ := testController(t)

	if err := c.SetThresholdStreaming(true); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("streaming from Idle: got %v", err)
	}

	if err := c.EnterMode(ModeCalibration); err != nil {
		t.Fatal(err)
	}
	if err := c.SetThresholdStreaming(true); err != nil {
		t.Fatalf("streaming while calibrating: %v", err)
	}
}

func TestController_CalibrationCommit(t *testing.T) {
	c, conn := testController(t)

	if err := c.EnterMode(ModeCalibration); err != nil {
		t.Fatal(err)
	}
	// The stream seed is the protocol's current MT.
	if got := c.ThresholdValue(); got != 60 {
		t.Fatalf("seed threshold %d, want 60", got)
	}

	c.SetThresholdValue(72)
	c.SetThresholdStreaming(true)
	c.sched.Tick()
	cmds := conn.sentCommands(t)
	if len(cmds) != 1 || cmds[0] != stimlink.CmdThresholdStream {
		t.Fatalf("transmitted %v, want threshold stream", cmds)
	}

	if err := c.Apply(); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("state %s after apply, want Idle", c.State())
	}
	if got := c.Protocol().Snapshot().MTPercent; got != 72 {
		t.Errorf("committed MT %d, want 72", got)
	}

	// Streaming ended with the mode: an idle tick now carries settings.
	c.sched.Tick()
	cmds = conn.sentCommands(t)
	if cmds[len(cmds)-1] != stimlink.CmdSettings {
		t.Errorf("post-apply tick sent 0x%02X, want settings", cmds[len(cmds)-1])
	}
}

func TestController_CalibrationCancelKeepsMT(t *testing.T) {
	c, _ := testController(t)
	c.EnterMode(ModeCalibration)
	c.SetThresholdValue(90)

	if err := c.Cancel(); err != nil {
		t.Fatal(err)
	}
	if got := c.Protocol().Snapshot().MTPercent; got != 60 {
		t.Errorf("MT after cancel %d, want unchanged 60", got)
	}
}

// ============================================================
// Parameter Update Tests
// ============================================================

func TestController_RequestParameterUpdate(t *testing.T) {
	c, _ := testController(t)

	s := c.Protocol().Snapshot()
	s.FrequencyHz = 5000 // clamps
	applied, err := c.RequestParameterUpdate(s)
	if err != nil {
		t.Fatalf("RequestParameterUpdate: %v", err)
	}
	if applied.FrequencyHz != therapy.FrequencyMaxHz {
		t.Errorf("applied frequency %.1f, want clamped %.1f", applied.FrequencyHz, therapy.FrequencyMaxHz)
	}

	c.Start()
	s.TrainCount = 5
	if _, err := c.RequestParameterUpdate(s); !errors.Is(err, ErrEditLocked) {
		t.Errorf("edit while running: got %v", err)
	}
}

func TestController_PresetLocksAllButRamp(t *testing.T) {
	preset := therapy.NewPresetProtocol("factory", testProtocol().Snapshot())
	c := NewController(Config{Logger: zerolog.Nop(), Protocol: preset})

	s := preset.Snapshot()
	s.RampFraction = 0.9
	if _, err := c.RequestParameterUpdate(s); err != nil {
		t.Fatalf("ramp-only edit on preset: %v", err)
	}

	s = preset.Snapshot()
	s.FrequencyHz = 20
	if _, err := c.RequestParameterUpdate(s); !errors.Is(err, ErrEditLocked) {
		t.Errorf("non-ramp edit on preset: got %v", err)
	}
}

func TestController_BindProtocolGuards(t *testing.T) {
	c, _ := testController(t)
	other := therapy.NewProtocol("other", testProtocol().Snapshot())

	c.Start()
	if err := c.BindProtocol(other); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("bind while running: got %v", err)
	}
	c.Stop()

	if err := c.BindProtocol(other); err != nil {
		t.Fatalf("bind from Idle: %v", err)
	}
	if c.Protocol().Name() != "other" {
		t.Error("protocol not rebound")
	}
}

// ============================================================
// Event Tests
// ============================================================

func TestController_PublishesEvents(t *testing.T) {
	c, _ := testController(t)
	events := c.Events(16)

	c.Start()
	c.handleTelemetry(normalReading())

	ev := <-events
	if ev.Kind != EventStateChanged || ev.State != StateRunning {
		t.Errorf("first event %+v, want Running state change", ev)
	}
	ev = <-events
	if ev.Kind != EventTelemetry || ev.Telemetry.CoilTemp != 30 {
		t.Errorf("second event %+v, want telemetry", ev)
	}
}

// ============================================================
// Read Loop and Link Reset Tests
// ============================================================

// scriptedConn replays a fixed byte stream, then behaves like a serial port
// with nothing to read.
type scriptedConn struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (s *scriptedConn) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		// Emulate the serial poll timeout pacing.
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *scriptedConn) Write(p []byte) (int, error) { return len(p), nil }

func (s *scriptedConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func corruptTelemetryFrame() []byte {
	buf := validTelemetryBytes()
	buf[len(buf)-1]++ // break the checksum
	return buf
}

// validTelemetryBytes builds one valid telemetry frame as raw bytes.
func validTelemetryBytes() []byte {
	frame := stimlink.EncodeTelemetry(stimlink.Telemetry{
		RunState: stimlink.RunStateIdle,
		CoilTemp: 30, IGBTTemp: 30, ResistorTemp: 30,
		CoilConnected: true,
	})
	out := make([]byte, len(frame.Bytes()))
	copy(out, frame.Bytes())
	return out
}

// TestController_BadFramesTriggerLinkReset: five consecutive undecodable
// frames must close the transport, redial, and keep decoding on the fresh
// connection.
func TestController_BadFramesTriggerLinkReset(t *testing.T) {
	var bad []byte
	for i := 0; i < badFrameResetLimit; i++ {
		bad = append(bad, corruptTelemetryFrame()...)
	}
	first := &scriptedConn{data: bad}
	second := &scriptedConn{data: validTelemetryBytes()}

	var mu sync.Mutex
	dials := 0
	dial := func() (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return second, nil
	}

	c := NewController(Config{Logger: zerolog.Nop(), Dialer: dial})
	c.setConn(first)

	ctx, cancel := context.WithCancel(context.Background())
	loopErr := make(chan error, 1)
	go func() { loopErr <- c.readLoop(ctx) }()

	// The reset backoff is 250 ms; give the loop time to redial and decode
	// the clean frame from the fresh connection.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := c.LastTelemetry(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no telemetry decoded after link reset")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-loopErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("read loop returned %v, want context.Canceled", err)
	}

	if !first.isClosed() {
		t.Error("bad connection was not closed")
	}
	mu.Lock()
	gotDials := dials
	mu.Unlock()
	if gotDials != 1 {
		t.Errorf("dialed %d times, want 1", gotDials)
	}

	snap := c.Statistics().Snapshot()
	if snap.TransportResets != 1 {
		t.Errorf("transport resets %d, want 1", snap.TransportResets)
	}
	if snap.ChecksumErrors != badFrameResetLimit {
		t.Errorf("checksum errors %d, want %d", snap.ChecksumErrors, badFrameResetLimit)
	}
	if snap.ValidFrames != 1 {
		t.Errorf("valid frames %d, want 1", snap.ValidFrames)
	}
}

// ============================================================
// Auto-Discharge Timer Tests
// ============================================================

func TestController_AutoDischargeOnIdleExpiry(t *testing.T) {
	c := NewController(Config{
		Logger:             zerolog.Nop(),
		Protocol:           testProtocol(),
		AutoDischarge:      true,
		AutoDischargeAfter: 20 * time.Millisecond,
	})
	conn := &fakeConn{}
	c.setConn(conn)

	c.Start()
	c.sched.Tick() // START
	c.Stop()
	c.sched.Tick() // STOP; re-entering Idle arms the timer

	time.Sleep(100 * time.Millisecond)
	if !c.sched.Pending() {
		t.Fatal("idle expiry queued no command")
	}
	c.sched.Tick()

	cmds := conn.sentCommands(t)
	if cmds[len(cmds)-1] != stimlink.CmdIdle {
		t.Fatalf("transmitted %v, want trailing IDLE disarm", cmds)
	}
	if c.State() != StateIdle {
		t.Errorf("state %s after disarm, want Idle", c.State())
	}
}

func TestController_LeavingIdleCancelsAutoDischarge(t *testing.T) {
	c := NewController(Config{
		Logger:             zerolog.Nop(),
		Protocol:           testProtocol(),
		AutoDischarge:      true,
		AutoDischargeAfter: 20 * time.Millisecond,
	})
	conn := &fakeConn{}
	c.setConn(conn)

	c.Start()
	c.sched.Tick()
	// Re-entering Idle arms the timer; resuming before expiry cancels it.
	c.Stop()
	c.Start()
	c.sched.Tick()

	time.Sleep(100 * time.Millisecond)
	if c.sched.Pending() {
		t.Error("cancelled idle timer still queued a command")
	}
	for _, cmd := range conn.sentCommands(t) {
		if cmd == stimlink.CmdIdle {
			t.Error("IDLE transmitted despite leaving Idle before expiry")
		}
	}
}

func TestResync(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"next header found", []byte{0x00, 0x01, stimlink.HeaderA, 0x5A}, []byte{stimlink.HeaderA, 0x5A}},
		{"leading header skipped", []byte{stimlink.HeaderA, 0x00, stimlink.HeaderA}, []byte{stimlink.HeaderA}},
		{"no header", []byte{0x01, 0x02, 0x03}, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resync(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("resync kept %d bytes, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("byte %d = 0x%02X, want 0x%02X", i, got[i], tt.want[i])
				}
			}
		})
	}
}

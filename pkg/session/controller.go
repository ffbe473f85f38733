// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurastim/aurastat/pkg/stimlink"
	"github.com/aurastim/aurastat/pkg/therapy"
)

// badFrameResetLimit is the number of consecutive bad frames after which
// the transport is closed and reopened.
const badFrameResetLimit = 5

// DefaultAutoDischargeAfter is the idle time after which the stimulator is
// disarmed when auto-discharge is enabled.
const DefaultAutoDischargeAfter = 10 * time.Minute

// ErrNotConnected is returned when a transmit is attempted without a link.
var ErrNotConnected = errors.New("no active connection")

// Config assembles a Controller.
type Config struct {
	Dialer   Dialer
	Protocol *therapy.Protocol
	Logger   zerolog.Logger

	TickPeriod         time.Duration // zero = DefaultTickPeriod
	AutoDischarge      bool
	AutoDischargeAfter time.Duration // zero = DefaultAutoDischargeAfter
	Audit              *AuditLog     // optional
}

// Controller is the session core: the single owner of the bound therapy
// protocol. The presentation layer drives it through the public operations
// and observes it through Events; the transmit scheduler and the read loop
// run as background goroutines and never touch shared state directly.
type Controller struct {
	log      zerolog.Logger
	dial     Dialer
	machine  *Machine
	sched    *TxScheduler
	notifier *Notifier
	stats    *stimlink.Statistics
	audit    *AuditLog

	autoDischarge      bool
	autoDischargeAfter time.Duration

	mu            sync.Mutex
	protocol      *therapy.Protocol
	conn          Connection
	streamValue   int
	lastTelemetry stimlink.Telemetry
	haveTelemetry bool
	idleTimer     *time.Timer

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewController wires a controller from its parts. Run must be called to
// open the link and start the background loops.
func NewController(cfg Config) *Controller {
	c := &Controller{
		log:                cfg.Logger,
		dial:               cfg.Dialer,
		machine:            NewMachine(),
		notifier:           &Notifier{},
		stats:              stimlink.NewStatistics(),
		audit:              cfg.Audit,
		protocol:           cfg.Protocol,
		autoDischarge:      cfg.AutoDischarge,
		autoDischargeAfter: cfg.AutoDischargeAfter,
	}
	if c.autoDischargeAfter <= 0 {
		c.autoDischargeAfter = DefaultAutoDischargeAfter
	}
	c.sched = NewTxScheduler(cfg.TickPeriod, c.transmit)
	c.machine.OnChange(c.stateChanged)
	return c
}

// SettingsFrame builds the SETTINGS wire frame for a clamped snapshot. The
// scaling here is the single point where model values become wire values.
func SettingsFrame(s therapy.Settings) stimlink.Frame {
	hi, lo := s.RampBytes()
	return stimlink.EncodeSettings(stimlink.SettingsFields{
		IntensityDeci:     uint16(math.Round(s.AbsoluteOutput() * 10)),
		FrequencyDeci:     uint16(math.Round(s.FrequencyHz * 10)),
		TrainIntervalDeci: uint16(math.Round(s.InterTrainIntervalS * 10)),
		PulseIntervalMs:   uint8(s.InterPulseIntervalMs),
		RampHi:            hi,
		RampLo:            lo,
		TrainCount:        uint16(s.TrainCount),
		PulsesPerTrain:    uint16(s.PulsesPerTrain),
		BurstPulses:       uint8(s.BurstPulses),
	})
}

// Events subscribes to controller notifications.
func (c *Controller) Events(buffer int) <-chan Event {
	return c.notifier.Subscribe(buffer)
}

// State returns the current session state.
func (c *Controller) State() State {
	return c.machine.State()
}

// ActiveFault returns the latched fault, or FaultNone.
func (c *Controller) ActiveFault() Fault {
	return c.machine.ActiveFault()
}

// Statistics returns the live link statistics.
func (c *Controller) Statistics() *stimlink.Statistics {
	return c.stats
}

// Protocol returns the currently bound protocol.
func (c *Controller) Protocol() *therapy.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// LastTelemetry returns the most recent telemetry reading, if any.
func (c *Controller) LastTelemetry() (stimlink.Telemetry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTelemetry, c.haveTelemetry
}

// Run opens the link and drives the transmit and receive loops until ctx is
// cancelled or Close is called. The transport handle is released exactly
// once on the way out.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("session: initial connect: %w", err)
	}
	c.setConn(conn)
	c.notifier.Publish(Event{Kind: EventConnectionChanged, Connected: true})
	c.log.Info().Msg("link established")

	if c.protocol != nil {
		c.refreshSettingsFrame()
	}

	c.sched.Start(ctx)
	defer c.sched.Stop()

	err = c.readLoop(ctx)

	c.closeConn()
	c.notifier.Publish(Event{Kind: EventConnectionChanged, Connected: false})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the controller. It is idempotent and safe from any
// goroutine.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// --- operations consumed by the presentation layer -----------------------

// Start begins a session from Idle or resumes from Paused, and transmits
// START on the next tick.
func (c *Controller) Start() error {
	if err := c.machine.Start(); err != nil {
		return err
	}
	c.sched.QueueCommand(stimlink.Start())
	c.recordAudit("start", "")
	return nil
}

// Pause holds the running session and transmits PAUSE.
func (c *Controller) Pause() error {
	if err := c.machine.Pause(); err != nil {
		return err
	}
	c.sched.QueueCommand(stimlink.Pause())
	c.recordAudit("pause", "")
	return nil
}

// Stop aborts the session and transmits STOP.
func (c *Controller) Stop() error {
	if err := c.machine.Stop(); err != nil {
		return err
	}
	c.sched.QueueCommand(stimlink.Stop())
	c.recordAudit("stop", "")
	return nil
}

// SinglePulse fires one pulse at the given output percentage. Legal in Idle
// and during motor threshold calibration.
func (c *Controller) SinglePulse(outputPercent int) error {
	st := c.machine.State()
	if st != StateIdle && st != StateCalibrating {
		return fmt.Errorf("%w: single pulse from %s", ErrIllegalTransition, st)
	}
	if outputPercent < therapy.MTMin {
		outputPercent = therapy.MTMin
	}
	if outputPercent > therapy.MTMax {
		outputPercent = therapy.MTMax
	}
	c.sched.QueueCommand(stimlink.SinglePulse(outputPercent))
	return nil
}

// SetThresholdStreaming toggles the live threshold-stream source.
// Streaming only makes sense during calibration.
func (c *Controller) SetThresholdStreaming(enabled bool) error {
	if enabled && c.machine.State() != StateCalibrating {
		return fmt.Errorf("%w: threshold streaming from %s", ErrIllegalTransition, c.machine.State())
	}
	if enabled {
		c.mu.Lock()
		v := c.streamValue
		c.mu.Unlock()
		c.sched.SetStreamFrame(stimlink.ThresholdStream(v))
	}
	c.sched.SetStreaming(enabled)
	return nil
}

// SetThresholdValue updates the calibration output value fed to the
// threshold stream.
func (c *Controller) SetThresholdValue(outputPercent int) {
	if outputPercent < therapy.MTMin {
		outputPercent = therapy.MTMin
	}
	if outputPercent > therapy.MTMax {
		outputPercent = therapy.MTMax
	}
	c.mu.Lock()
	c.streamValue = outputPercent
	c.mu.Unlock()
	c.sched.SetStreamFrame(stimlink.ThresholdStream(outputPercent))
}

// ThresholdValue returns the current calibration output value.
func (c *Controller) ThresholdValue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamValue
}

// EnterMode moves from Idle into a modal mode.
func (c *Controller) EnterMode(mode Mode) error {
	if err := c.machine.Enter(mode); err != nil {
		return err
	}
	if mode == ModeCalibration {
		c.mu.Lock()
		if c.streamValue == 0 && c.protocol != nil {
			c.streamValue = c.protocol.Snapshot().MTPercent
		}
		c.mu.Unlock()
	}
	return nil
}

// Apply commits the current modal mode. Leaving calibration adopts the
// streamed value as the subject's motor threshold and disables streaming.
func (c *Controller) Apply() error {
	st := c.machine.State()
	if st == StateCalibrating {
		c.sched.SetStreaming(false)
		c.mu.Lock()
		proto, v := c.protocol, c.streamValue
		c.mu.Unlock()
		if proto != nil && v > 0 {
			proto.SetMTPercent(v)
		}
	}
	if err := c.machine.Apply(); err != nil {
		return err
	}
	c.refreshSettingsFrame()
	c.recordAudit("apply", st.String())
	return nil
}

// Cancel discards the current modal mode.
func (c *Controller) Cancel() error {
	if c.machine.State() == StateCalibrating {
		c.sched.SetStreaming(false)
	}
	return c.machine.Cancel()
}

// ClearFault leaves the Error state once telemetry confirms the fault
// condition has cleared, then disarms the stimulator.
func (c *Controller) ClearFault() error {
	if err := c.machine.ClearFault(c.faultStillPresent()); err != nil {
		return err
	}
	c.sched.QueueCommand(stimlink.Idle())
	c.recordAudit("fault_cleared", "")
	return nil
}

// BindProtocol replaces the bound protocol. Allowed in Idle and while
// selecting a protocol.
func (c *Controller) BindProtocol(p *therapy.Protocol) error {
	st := c.machine.State()
	if st != StateIdle && st != StateSelectingProtocol {
		return fmt.Errorf("%w: bind protocol from %s", ErrIllegalTransition, st)
	}
	c.mu.Lock()
	c.protocol = p
	c.mu.Unlock()
	c.refreshSettingsFrame()
	c.recordAudit("protocol_bound", p.Name())
	return nil
}

// RequestParameterUpdate applies a bulk settings change to the bound
// protocol. Edits are legal only in Idle; on a preset protocol only the
// ramp fields may differ from the current values. The effective, clamped
// settings are returned.
func (c *Controller) RequestParameterUpdate(s therapy.Settings) (therapy.Settings, error) {
	c.mu.Lock()
	proto := c.protocol
	c.mu.Unlock()
	if proto == nil {
		return therapy.Settings{}, errors.New("no protocol bound")
	}

	rampOnly := onlyRampDiffers(proto.Snapshot(), s)
	if !c.machine.CanEditParameter(proto.Preset(), rampOnly) {
		return proto.Snapshot(), ErrEditLocked
	}

	applied := proto.ApplySettings(s)
	c.refreshSettingsFrame()
	return applied, nil
}

// onlyRampDiffers reports whether the candidate settings change nothing but
// the ramp fields.
func onlyRampDiffers(cur, next therapy.Settings) bool {
	next.RampFraction = cur.RampFraction
	next.RampSteps = cur.RampSteps
	return next == cur
}

// --- internals ------------------------------------------------------------

func (c *Controller) refreshSettingsFrame() {
	c.mu.Lock()
	proto := c.protocol
	c.mu.Unlock()
	if proto == nil {
		return
	}
	c.sched.SetSettingsFrame(SettingsFrame(proto.Snapshot()))
}

func (c *Controller) setConn(conn Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// closeConn releases the transport handle exactly once per connection.
func (c *Controller) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Controller) transmit(f stimlink.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(f.Bytes()); err != nil {
		c.log.Warn().Err(err).Str("cmd", stimlink.CommandName(f.Command())).Msg("transmit failed")
		c.notifier.Publish(Event{Kind: EventTransportError, Err: err})
		return err
	}
	return nil
}

// stateChanged runs after every machine transition.
func (c *Controller) stateChanged(s State) {
	fault := c.machine.ActiveFault()
	c.log.Info().Stringer("state", s).Stringer("fault", fault).Msg("session state changed")
	c.notifier.Publish(Event{Kind: EventStateChanged, State: s, Fault: fault})
	c.recordAudit("state", s.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if s == StateIdle && c.autoDischarge {
		// Re-entering Idle re-arms the inactivity timer.
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.idleTimer = time.AfterFunc(c.autoDischargeAfter, c.autoDischargeExpired)
	} else if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// autoDischargeExpired disarms the stimulator after prolonged inactivity.
func (c *Controller) autoDischargeExpired() {
	if c.machine.State() != StateIdle {
		return
	}
	c.log.Info().Msg("idle timeout, disarming stimulator")
	c.sched.QueueCommand(stimlink.Idle())
	c.recordAudit("auto_discharge", "")
}

// readLoop polls the transport for full telemetry frames and dispatches
// them. Five consecutive bad frames trigger a link reset without
// terminating the loop.
func (c *Controller) readLoop(ctx context.Context) error {
	codec := stimlink.NewTelemetryCodec()
	pending := make([]byte, 0, 4*stimlink.TelemetryFrameSize)
	buf := make([]byte, 64)
	badFrames := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			if err := c.reset(ctx); err != nil {
				return err
			}
			continue
		}

		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.log.Warn().Err(err).Msg("read failed, resetting link")
			c.notifier.Publish(Event{Kind: EventTransportError, Err: err})
			if err := c.reset(ctx); err != nil {
				return err
			}
			pending = pending[:0]
			badFrames = 0
			continue
		}
		if n == 0 {
			// Poll timeout; stay responsive to shutdown.
			continue
		}
		pending = append(pending, buf[:n]...)

		for len(pending) >= codec.Size() {
			frame, err := codec.Decode(pending[:codec.Size()])
			if err != nil {
				c.stats.Update(err)
				c.notifier.Publish(Event{Kind: EventTransportError, Err: err})
				pending = resync(pending)
				badFrames++
				if badFrames >= badFrameResetLimit {
					c.log.Warn().Int("bad_frames", badFrames).Msg("too many bad frames, resetting link")
					if err := c.reset(ctx); err != nil {
						return err
					}
					pending = pending[:0]
					badFrames = 0
				}
				continue
			}
			pending = pending[codec.Size():]
			badFrames = 0

			tele, err := stimlink.DecodeTelemetry(frame)
			c.stats.Update(err)
			if err != nil {
				c.notifier.Publish(Event{Kind: EventTransportError, Err: err})
				continue
			}
			c.handleTelemetry(tele)
		}
	}
}

// resync drops bytes up to the next plausible frame start.
func resync(pending []byte) []byte {
	if idx := bytes.IndexByte(pending[1:], stimlink.HeaderA); idx >= 0 {
		return pending[idx+1:]
	}
	return pending[:0]
}

// reset closes and reopens the transport with backoff.
func (c *Controller) reset(ctx context.Context) error {
	c.closeConn()
	c.stats.RecordReset()
	c.notifier.Publish(Event{Kind: EventConnectionChanged, Connected: false})

	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		conn, err := c.dial()
		if err == nil {
			c.setConn(conn)
			c.notifier.Publish(Event{Kind: EventConnectionChanged, Connected: true})
			c.log.Info().Msg("link reopened")
			return nil
		}
		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("reopen failed")
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// handleTelemetry publishes a reading and escalates safety faults.
func (c *Controller) handleTelemetry(t stimlink.Telemetry) {
	c.mu.Lock()
	c.lastTelemetry = t
	c.haveTelemetry = true
	c.mu.Unlock()

	c.notifier.Publish(Event{Kind: EventTelemetry, Telemetry: t})

	if fault := evaluateFault(t); fault != FaultNone && c.machine.State() != StateError {
		c.raiseFault(fault, t)
	}
}

// evaluateFault maps a telemetry reading to a safety fault.
func evaluateFault(t stimlink.Telemetry) Fault {
	if t.CoilTemp >= therapy.CoilTempMaxC ||
		t.IGBTTemp >= therapy.IGBTTempMaxC ||
		t.ResistorTemp >= therapy.ResistorTempMaxC {
		return FaultOverTemp
	}
	if !t.CoilConnected {
		return FaultCoilDisconnect
	}
	return FaultNone
}

// faultStillPresent re-checks the latched fault against live telemetry.
func (c *Controller) faultStillPresent() bool {
	c.mu.Lock()
	t, have := c.lastTelemetry, c.haveTelemetry
	c.mu.Unlock()
	if !have {
		return true
	}
	switch c.machine.ActiveFault() {
	case FaultOverTemp:
		return evaluateFault(t) == FaultOverTemp
	case FaultCoilDisconnect:
		return !t.CoilConnected
	default:
		return false
	}
}

// raiseFault latches a fault. If a session was interrupted the stop frame
// is queued at command priority, ahead of any streaming or settings
// traffic; otherwise the firmware fault latch is armed directly.
func (c *Controller) raiseFault(f Fault, t stimlink.Telemetry) {
	c.log.Error().Stringer("fault", f).
		Float64("coil_temp", t.CoilTemp).
		Float64("igbt_temp", t.IGBTTemp).
		Bool("coil_connected", t.CoilConnected).
		Msg("safety fault")

	interrupted := c.machine.RaiseFault(f)
	if interrupted {
		c.sched.QueueCommand(stimlink.Stop())
	} else {
		c.sched.QueueCommand(stimlink.ErrorHalt())
	}
	c.sched.SetStreaming(false)
	c.recordAudit("fault", f.String())
}

func (c *Controller) recordAudit(kind, detail string) {
	if c.audit == nil {
		return
	}
	c.mu.Lock()
	name := ""
	if c.protocol != nil {
		name = c.protocol.Name()
	}
	c.mu.Unlock()
	c.audit.Record(Record{
		Kind:     kind,
		State:    c.machine.State().String(),
		Fault:    c.machine.ActiveFault().String(),
		Protocol: name,
		Detail:   detail,
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"context"
	"sync"
	"time"

	"github.com/aurastim/aurastat/pkg/stimlink"
)

// DefaultTickPeriod is the master tick: one frame leaves the host per tick.
const DefaultTickPeriod = 125 * time.Millisecond

// TxScheduler transmits exactly one frame per master tick, chosen by strict
// priority:
//
//  1. a queued one-shot command, consumed after send
//  2. the threshold-stream frame, while streaming is enabled
//  3. the last built settings frame
//
// The order is the core safety property of the link: a pending STOP can
// never be starved by streaming or settings traffic. If no source has a
// frame, the tick transmits nothing.
type TxScheduler struct {
	mu       sync.Mutex
	command  *stimlink.Frame
	stream   *stimlink.Frame
	settings *stimlink.Frame
	streamOn bool

	period  time.Duration
	send    func(stimlink.Frame) error
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTxScheduler creates a scheduler that hands each selected frame to
// send. A nil period uses DefaultTickPeriod.
func NewTxScheduler(period time.Duration, send func(stimlink.Frame) error) *TxScheduler {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return &TxScheduler{period: period, send: send}
}

// QueueCommand queues a one-shot command frame. A later queue overwrites an
// unsent earlier one except that a queued STOP is never displaced.
func (s *TxScheduler) QueueCommand(f stimlink.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.command != nil && s.command.Command() == stimlink.CmdStop && f.Command() != stimlink.CmdStop {
		return
	}
	s.command = &f
}

// SetStreamFrame updates the threshold-stream frame transmitted while
// streaming is enabled.
func (s *TxScheduler) SetStreamFrame(f stimlink.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = &f
}

// SetStreaming enables or disables threshold streaming.
func (s *TxScheduler) SetStreaming(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamOn = on
}

// SetSettingsFrame stores the most recently built settings frame; it is
// retransmitted every idle tick so the device always converges on the
// current parameters.
func (s *TxScheduler) SetSettingsFrame(f stimlink.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &f
}

// Pending reports whether a one-shot command is waiting.
func (s *TxScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command != nil
}

// pick selects the frame for this tick and consumes a queued command.
func (s *TxScheduler) pick() *stimlink.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.command != nil {
		f := s.command
		s.command = nil
		return f
	}
	if s.streamOn && s.stream != nil {
		return s.stream
	}
	return s.settings
}

// Tick runs one master tick: select and transmit at most one frame.
func (s *TxScheduler) Tick() error {
	f := s.pick()
	if f == nil {
		return nil
	}
	return s.send(*f)
}

// Start launches the tick loop. Starting an already-running scheduler is a
// no-op.
func (s *TxScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit. Stop is idempotent.
func (s *TxScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

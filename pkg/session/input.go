// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"sync"
	"time"
)

// Quiet periods for physical inputs. Buttons bounce for tens of
// milliseconds; encoder edges are clean but fast.
const (
	ButtonQuietPeriod  = 200 * time.Millisecond
	EncoderQuietPeriod = 20 * time.Millisecond

	// ApplyGuardWindow suppresses all inputs briefly after an apply so a
	// held button cannot re-trigger in the next mode.
	ApplyGuardWindow = 500 * time.Millisecond
)

// Debouncer gates physical-input events before they reach the state
// machine. Each input source is tracked independently by id.
type Debouncer struct {
	mu         sync.Mutex
	quiet      time.Duration
	last       map[string]time.Time
	guardUntil time.Time

	now func() time.Time // injectable for tests
}

// NewDebouncer creates a debouncer with the given per-source quiet period.
func NewDebouncer(quiet time.Duration) *Debouncer {
	return &Debouncer{
		quiet: quiet,
		last:  make(map[string]time.Time),
		now:   time.Now,
	}
}

// Allow reports whether an event from the given source passes the filter,
// and if so starts that source's quiet period.
func (d *Debouncer) Allow(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if now.Before(d.guardUntil) {
		return false
	}
	if t, ok := d.last[id]; ok && now.Sub(t) < d.quiet {
		return false
	}
	d.last[id] = now
	return true
}

// Guard suppresses all sources for the given window, e.g. right after an
// apply action.
func (d *Debouncer) Guard(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until := d.now().Add(window)
	if until.After(d.guardUntil) {
		d.guardUntil = until
	}
}

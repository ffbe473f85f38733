// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// StatisticsSnapshot is a consistent copy of the link counters and rates.
type StatisticsSnapshot struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	TotalFrames      uint64
	ValidFrames      uint64
	ChecksumErrors   uint64
	HeaderErrors     uint64
	LengthErrors     uint64
	UnknownTelemetry uint64
	TransportResets  uint64

	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// ErrorCount returns the sum of all error counters.
func (s StatisticsSnapshot) ErrorCount() uint64 {
	return s.ChecksumErrors + s.HeaderErrors + s.LengthErrors + s.UnknownTelemetry
}

// Statistics tracks link quality counters. The read loop updates it while
// display code reads it, so every method is safe for concurrent use; readers
// take a Snapshot rather than observing counters mid-update.
type Statistics struct {
	mu             sync.Mutex
	startTime      time.Time
	lastUpdateTime time.Time

	totalFrames      uint64
	validFrames      uint64
	checksumErrors   uint64
	headerErrors     uint64
	lengthErrors     uint64
	unknownTelemetry uint64
	transportResets  uint64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		startTime:      now,
		lastUpdateTime: now,
	}
}

// Update records the outcome of one decode attempt.
func (s *Statistics) Update(decodeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFrames++
	switch {
	case decodeErr == nil:
		s.validFrames++
	case errors.Is(decodeErr, ErrBadChecksum):
		s.checksumErrors++
	case errors.Is(decodeErr, ErrBadHeader):
		s.headerErrors++
	case errors.Is(decodeErr, ErrFrameLength):
		s.lengthErrors++
	case errors.Is(decodeErr, ErrUnknownRunState):
		s.unknownTelemetry++
	}
	s.lastUpdateTime = time.Now()
}

// RecordReset counts one transport close/reopen cycle.
func (s *Statistics) RecordReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportResets++
	s.lastUpdateTime = time.Now()
}

// Snapshot returns a consistent copy of the counters with the rates
// computed over the elapsed collection time.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatisticsSnapshot{
		StartTime:        s.startTime,
		LastUpdateTime:   s.lastUpdateTime,
		TotalFrames:      s.totalFrames,
		ValidFrames:      s.validFrames,
		ChecksumErrors:   s.checksumErrors,
		HeaderErrors:     s.headerErrors,
		LengthErrors:     s.lengthErrors,
		UnknownTelemetry: s.unknownTelemetry,
		TransportResets:  s.transportResets,
	}
	if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
		snap.FrameRate = float64(snap.TotalFrames) / elapsed
		snap.ErrorRate = float64(snap.ErrorCount()) / elapsed
	}
	return snap
}

// String returns a formatted statistics summary.
func (s *Statistics) String() string {
	snap := s.Snapshot()

	var validPercent float64
	if snap.TotalFrames > 0 {
		validPercent = float64(snap.ValidFrames) * 100.0 / float64(snap.TotalFrames)
	}

	elapsed := time.Since(snap.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", snap.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", snap.ValidFrames, validPercent)
	if snap.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d\n", snap.ChecksumErrors)
	}
	if snap.HeaderErrors > 0 {
		result += fmt.Sprintf("Header Errors:   %8d\n", snap.HeaderErrors)
	}
	if snap.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d\n", snap.LengthErrors)
	}
	if snap.UnknownTelemetry > 0 {
		result += fmt.Sprintf("Unknown Telem:   %8d\n", snap.UnknownTelemetry)
	}
	if snap.TransportResets > 0 {
		result += fmt.Sprintf("Link Resets:     %8d\n", snap.TransportResets)
	}
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", snap.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", snap.ErrorRate)
	result += "====================================\n"

	return result
}

// Reset resets all statistics counters.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.startTime = now
	s.lastUpdateTime = now
	s.totalFrames = 0
	s.validFrames = 0
	s.checksumErrors = 0
	s.headerErrors = 0
	s.lengthErrors = 0
	s.unknownTelemetry = 0
	s.transportResets = 0
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import "errors"

// Decode and encode failures. Frame-level errors are recoverable: the caller
// drops the frame, counts the failure, and keeps reading.
var (
	ErrFrameLength     = errors.New("frame length mismatch")
	ErrBadHeader       = errors.New("bad header byte")
	ErrBadChecksum     = errors.New("checksum mismatch")
	ErrBodyLength      = errors.New("body length mismatch")
	ErrUnknownRunState = errors.New("unknown run state in telemetry")
	ErrNotTelemetry    = errors.New("frame is not a telemetry frame")
	ErrNotSettings     = errors.New("frame is not a SETTINGS frame")
)

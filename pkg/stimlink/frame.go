// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package stimlink

import (
	"fmt"
	"time"
)

// Frame is one validated fixed-length StimLink frame.
type Frame struct {
	buf       []byte
	timestamp time.Time
}

// Bytes returns the complete wire representation of the frame.
func (f Frame) Bytes() []byte {
	return f.buf
}

// Body returns the frame bytes between the header and the checksum.
func (f Frame) Body() []byte {
	return f.buf[2 : len(f.buf)-1]
}

// Command returns the command code of a command frame, or the status byte
// of a telemetry frame.
func (f Frame) Command() byte {
	return f.buf[offCmd]
}

// Checksum returns the trailing checksum byte.
func (f Frame) Checksum() byte {
	return f.buf[len(f.buf)-1]
}

// Timestamp returns the frame's decode timestamp (zero for encoded frames).
func (f Frame) Timestamp() time.Time {
	return f.timestamp
}

// Codec encodes and decodes StimLink frames of one fixed size.
// Decoding is stateless per call; the transport loop buffers partial data
// until a full frame's worth of bytes is available.
type Codec struct {
	size int
}

// NewCommandCodec returns a codec for host → stimulator frames.
func NewCommandCodec() Codec {
	return Codec{size: CommandFrameSize}
}

// NewTelemetryCodec returns a codec for stimulator → host frames.
func NewTelemetryCodec() Codec {
	return Codec{size: TelemetryFrameSize}
}

// Size returns the fixed frame size handled by this codec.
func (c Codec) Size() int {
	return c.size
}

// Encode builds a complete frame from a body (everything between the header
// bytes and the checksum). The body length must be exactly Size()-3.
func (c Codec) Encode(body []byte) (Frame, error) {
	if len(body) != c.size-3 {
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrBodyLength, len(body), c.size-3)
	}
	buf := make([]byte, c.size)
	buf[0] = HeaderA
	buf[1] = HeaderB
	copy(buf[2:], body)
	buf[c.size-1] = Checksum(buf[:c.size-1])
	return Frame{buf: buf}, nil
}

// Decode validates a raw buffer as one frame. Length is checked first, then
// the header bytes, then the checksum. Any mismatch is a reported, non-fatal
// error; the frame is dropped and the caller resynchronizes.
func (c Codec) Decode(buf []byte) (Frame, error) {
	if len(buf) != c.size {
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrFrameLength, len(buf), c.size)
	}
	if buf[0] != HeaderA || buf[1] != HeaderB {
		return Frame{}, fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadHeader, buf[0], buf[1])
	}
	want := Checksum(buf[:c.size-1])
	if buf[c.size-1] != want {
		return Frame{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrBadChecksum, want, buf[c.size-1])
	}
	out := make([]byte, c.size)
	copy(out, buf)
	return Frame{buf: out, timestamp: time.Now()}, nil
}

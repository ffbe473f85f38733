// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is one audit trail entry. Records are written as a CBOR sequence
// with integer keys to keep the trail compact on embedded storage.
type Record struct {
	Time     time.Time `cbor:"1,keyasint"`
	Kind     string    `cbor:"2,keyasint"`
	State    string    `cbor:"3,keyasint"`
	Fault    string    `cbor:"4,keyasint,omitempty"`
	Protocol string    `cbor:"5,keyasint,omitempty"`
	Detail   string    `cbor:"6,keyasint,omitempty"`
}

// AuditLog appends session events to a file. Every state change, fault,
// and operator action lands here; treatment reviews read it back with
// ReadAuditLog.
type AuditLog struct {
	mu  sync.Mutex
	f   *os.File
	enc *cbor.Encoder
}

// OpenAuditLog opens (or creates) an audit trail file for appending.
func OpenAuditLog(path string) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit log open failed (%s): %w", path, err)
	}
	return &AuditLog{f: f, enc: cbor.NewEncoder(f)}, nil
}

// Record appends one entry. The timestamp is filled in if unset.
func (a *AuditLog) Record(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.Encode(rec); err != nil {
		return fmt.Errorf("audit log write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the trail file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}

// ReadAuditLog decodes all records from an audit trail file.
func ReadAuditLog(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit log open failed (%s): %w", path, err)
	}
	defer f.Close()

	dec := cbor.NewDecoder(f)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A truncated tail record from an unclean shutdown ends the
			// readable trail; everything before it is still returned.
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

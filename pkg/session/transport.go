// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Aurastim Medical

package session

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Connection is a byte-level link to the stimulator.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer opens a fresh Connection. The transport loop redials through it
// after a link reset, so it must be safe to call repeatedly.
type Dialer func() (Connection, error)

// serialReadTimeout bounds each read so the loop stays responsive to
// shutdown. A timed-out read returns (0, nil).
const serialReadTimeout = 50 * time.Millisecond

// ErrConnectionClosed is returned when reading from a closed WebSocket
// connection.
var ErrConnectionClosed = errors.New("websocket connection closed")

type serialConnection struct {
	port serial.Port
}

func (s *serialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialConnection) Close() error {
	return s.port.Close()
}

// SerialDialer returns a Dialer for a local serial port.
func SerialDialer(portName string, baudRate int) Dialer {
	return func() (Connection, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
		}
		if err := port.SetReadTimeout(serialReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
		}
		return &serialConnection{port: port}, nil
	}
}

// webSocketConnection adapts a WebSocket to byte-level reading for bridged
// links (stimulator behind a gateway).
type webSocketConnection struct {
	conn      *websocket.Conn
	buf       []byte
	bufOffset int
	closed    bool
}

func (w *webSocketConnection) Read(p []byte) (int, error) {
	if w.closed {
		return 0, ErrConnectionClosed
	}
	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		w.buf = data
		w.bufOffset = 0
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	}
}

func (w *webSocketConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *webSocketConnection) Close() error {
	return w.conn.Close()
}

// WebSocketDialer returns a Dialer for a bridged stimulator link with HTTP
// Basic auth.
func WebSocketDialer(wsURL, username, password string, skipTLSVerify bool) Dialer {
	return func() (Connection, error) {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, fmt.Errorf("invalid URL: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
		default:
			return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		if u.Scheme == "wss" {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipTLSVerify}
		}

		headers := http.Header{}
		if username != "" && password != "" {
			credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
			headers.Set("Authorization", "Basic "+credentials)
		}

		conn, resp, err := dialer.Dial(wsURL, headers)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("websocket connection failed: %w", err)
		}
		return &webSocketConnection{conn: conn}, nil
	}
}

// Copyright 2026 The Chord Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseStatus describes how a connection's read loop ended: a close
// frame's code and reason, or (Code zero) a transport-level fault.
type CloseStatus struct {
	Code   int
	Reason string
	Err    error
}

// Transport is the connection contract the session engine drives. The
// engine only needs frame emission plus a blocking read loop; anything
// satisfying that can stand in for the real WebSocket — tests inject a
// scripted fake.
type Transport interface {
	// SendText emits one text frame.
	SendText(data []byte) error

	// SendBinary emits one binary frame.
	SendBinary(data []byte) error

	// Close sends a close frame with the given code and reason, then
	// tears down the connection. Unblocks ReadLoop.
	Close(code int, reason string) error

	// ReadLoop delivers every received frame's contents to onMessage and
	// blocks until the connection ends, reporting how.
	ReadLoop(onMessage func(data []byte)) CloseStatus
}

// Dialer opens a Transport. The engine's default dials a WebSocket with
// gorilla; tests and alternate transports substitute their own.
type Dialer func(ctx context.Context, rawURL string) (Transport, error)

// handshakeTimeout bounds the TCP + TLS + WebSocket handshake.
const handshakeTimeout = 30 * time.Second

// dialWebSocket is the default Dialer. It requires a ws or wss URL; wss
// connections negotiate TLS 1.2 or newer before the WebSocket handshake.
func dialWebSocket(ctx context.Context, rawURL string) (Transport, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid gateway URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("gateway: URL scheme %q is not ws or wss", parsed.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dialing %s: %w", rawURL, err)
	}
	return &wsConn{ws: ws, logger: slog.Default()}, nil
}

// wsConn adapts a gorilla WebSocket connection to Transport. gorilla
// permits one concurrent writer, so all emission serializes on writeMu
// (control frames from Close included).
type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

func (c *wsConn) SendText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SendBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame and drops the connection. The close frame is
// best-effort — a peer that already vanished gets the TCP teardown only.
func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	frame := websocket.FormatCloseMessage(code, reason)
	writeErr := c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()

	closeErr := c.ws.Close()
	if writeErr != nil && !errors.Is(writeErr, net.ErrClosed) {
		return writeErr
	}
	return closeErr
}

// ReadLoop pumps frames to onMessage until the connection ends. A close
// frame from the peer yields its code and reason; transport faults
// (reset, EOF, local teardown) yield Code zero with the error — benign
// either way, the session engine decides whether to reconnect.
func (c *wsConn) ReadLoop(onMessage func(data []byte)) CloseStatus {
	for {
		_, data, err := c.ws.ReadMessage()
		if err == nil {
			onMessage(data)
			continue
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return CloseStatus{Code: closeErr.Code, Reason: closeErr.Text, Err: err}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			c.logger.Debug("gateway socket ended without close frame", "error", err)
		} else {
			c.logger.Debug("gateway socket read failed", "error", err)
		}
		return CloseStatus{Err: err}
	}
}

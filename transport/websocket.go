// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig holds WebSocket transport configuration.
type WSConfig struct {
	// URL is the server's WebSocket exchange endpoint (ws:// or wss://).
	URL string

	// HandshakeTimeout bounds the dial; ExchangeTimeout bounds one
	// request/response frame pair.
	HandshakeTimeout time.Duration
	ExchangeTimeout  time.Duration
}

// WSTransport keeps a persistent WebSocket connection to the server and
// performs one request frame / response frame pair per exchange. The
// connection is dialed lazily and redialed after any error.
type WSTransport struct {
	cfg    WSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Transport = (*WSTransport)(nil)

// NewWS creates a WebSocket transport for the given endpoint.
func NewWS(cfg WSConfig, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 30 * time.Second
	}
	return &WSTransport{cfg: cfg, logger: logger}
}

// Exchange writes the payload as one JSON frame and reads the response
// frame. Exchanges are serialized; the protocol has no frame multiplexing.
func (t *WSTransport) Exchange(ctx context.Context, p *Payload) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	deadline := time.Now().Add(t.cfg.ExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(p); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var response Response
	if err := conn.ReadJSON(&response); err != nil {
		t.dropLocked()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, ErrIdentityRejected
		}
		if websocket.IsUnexpectedCloseError(err) {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		// The frame arrived but did not decode.
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &response, nil
}

// connLocked returns the live connection, dialing if needed. Callers
// hold t.mu.
func (t *WSTransport) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("websocket transport connected", slog.String("url", t.cfg.URL))
	t.conn = conn
	return conn, nil
}

// dropLocked discards the connection so the next exchange redials.
func (t *WSTransport) dropLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close tears down the connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

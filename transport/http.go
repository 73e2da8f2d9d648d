// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sony/gobreaker"

	"github.com/absmach/fleetagent/message"
)

// HTTPConfig holds HTTP transport configuration.
type HTTPConfig struct {
	// URL is the server's exchange endpoint.
	URL string

	// Timeout bounds one full request/response cycle.
	Timeout time.Duration

	// Circuit breaker settings. FailureThreshold consecutive failures
	// open the breaker; ResetTimeout is the open-state cool-off.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// HTTPTransport exchanges gzip-compressed JSON payloads over HTTP POST.
// A circuit breaker short-circuits delivery while the server is down so
// repeated backoff retries fail fast instead of tying up sockets.
type HTTPTransport struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTP creates an HTTP transport for the given exchange endpoint.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("exchange circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &HTTPTransport{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Exchange posts the payload and decodes the server's response.
func (t *HTTPTransport) Exchange(ctx context.Context, p *Payload) (*Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.exchange(ctx, p)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrTransport)
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (t *HTTPTransport) exchange(ctx context.Context, p *Payload) (*Response, error) {
	body, err := compressPayload(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("User-Agent", "fleetagent/"+message.API)
	req.Header.Set("X-Message-API", message.API)
	if p.ComputerID != "" {
		req.Header.Set("X-Computer-ID", p.ComputerID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrIdentityRejected
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: server returned status %d", ErrTransport, resp.StatusCode)
	}

	var response Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &response, nil
}

// Close is a no-op; the HTTP client holds no persistent state worth
// tearing down.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// compressPayload marshals the payload and gzips it.
func compressPayload(p *Payload) (*bytes.Buffer, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ping polls the server's lightweight ping endpoint between full
// exchanges. A positive ping means the server holds messages for this
// agent and triggers an urgent exchange, so server-initiated work starts
// within the ping interval instead of the exchange interval.
package ping

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultInterval = 30 * time.Second

// Identity is the slice of the registration identity the pinger needs.
type Identity interface {
	InsecureID() string
}

// Urgenter triggers an out-of-cadence exchange.
type Urgenter interface {
	Urgent()
}

// Config tunes the pinger.
type Config struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
}

// Pinger polls the ping endpoint on a fixed interval.
type Pinger struct {
	cfg      Config
	identity Identity
	exchange Urgenter
	client   *http.Client
	logger   *slog.Logger

	done chan struct{}
}

// New creates a pinger. It does nothing until Start is called.
func New(cfg Config, id Identity, ex Urgenter, logger *slog.Logger) *Pinger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Pinger{
		cfg:      cfg,
		identity: id,
		exchange: ex,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the ping loop until ctx is canceled. It blocks; run it in
// its own goroutine.
func (p *Pinger) Start(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PingOnce(ctx); err != nil {
				// Ping failures are advisory; the regular exchange cadence
				// still runs.
				p.logger.Debug("ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stopped returns a channel closed when the loop exits.
func (p *Pinger) Stopped() <-chan struct{} { return p.done }

// PingOnce performs a single poll. Agents without an insecure ID (not
// yet registered) skip the poll entirely.
func (p *Pinger) PingOnce(ctx context.Context) error {
	insecureID := p.identity.InsecureID()
	if insecureID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL,
		strings.NewReader(url.Values{"insecure_id": {insecureID}}.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping server returned status %d", resp.StatusCode)
	}

	var body struct {
		Messages bool   `json:"messages"`
		Error    string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode ping response: %w", err)
	}
	if body.Error != "" {
		return fmt.Errorf("ping server error: %s", body.Error)
	}

	if body.Messages {
		p.logger.Info("server holds messages, requesting urgent exchange")
		p.exchange.Urgent()
	}
	return nil
}

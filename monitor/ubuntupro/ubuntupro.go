// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ubuntupro reports the host's Ubuntu Pro subscription status.
// The raw pro status JSON is forwarded unparsed; the plugin only
// deduplicates so an unchanged subscription produces no traffic.
package ubuntupro

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"

	"github.com/absmach/fleetagent/message"
)

const msgType = "ubuntu-pro-info"

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Queue is the slice of the message store the plugin needs.
type Queue interface {
	Add(msg message.Message) (uint64, error)
	Accepts(msgType string) bool
}

// Plugin polls pro status on every tick and queues a message only when
// the status changed since the last queued one.
type Plugin struct {
	queue  Queue
	run    Runner
	logger *slog.Logger

	// lastDigest guards against resending identical status payloads.
	lastDigest [sha256.Size]byte
	sent       bool
}

// New creates the plugin.
func New(q Queue, run Runner, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{queue: q, run: run, logger: logger}
}

// Name implements the plugin interface.
func (p *Plugin) Name() string { return "ubuntu-pro-info" }

// Run polls the subscription status and queues it if changed. A missing
// pro client is reported as a structured error payload so the server
// can distinguish "not installed" from "never reported".
func (p *Plugin) Run(ctx context.Context) error {
	if !p.queue.Accepts(msgType) {
		return nil
	}

	info, err := p.run(ctx, "pro", "status", "--format", "json")
	if err != nil {
		info = errorPayload("ubuntu pro client is not available: " + err.Error())
	}

	digest := sha256.Sum256([]byte(info))
	if p.sent && digest == p.lastDigest {
		return nil
	}

	if _, err := p.queue.Add(message.Message{
		"type":            msgType,
		"ubuntu-pro-info": info,
	}); err != nil {
		return err
	}

	p.lastDigest = digest
	p.sent = true
	return nil
}

// Resynchronize forgets the last sent status so the next tick reports
// even unchanged data.
func (p *Plugin) Resynchronize() {
	p.sent = false
}

// errorPayload builds the failure document queued when pro status cannot
// run.
func errorPayload(msg string) string {
	raw, _ := json.Marshal(map[string]any{
		"errors": []map[string]any{{
			"message":      msg,
			"message_code": "tool-error",
			"service":      nil,
			"type":         "system",
		}},
		"result": "failure",
	})
	return string(raw)
}

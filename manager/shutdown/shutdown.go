// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package shutdown executes server-requested reboots and power-downs.
// The system shutdown command is scheduled with a grace delay, the
// outcome is reported back as an urgent operation-result message.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fleetagent/message"
)

// Operation result statuses understood by the server.
const (
	StatusFailed    = 5
	StatusSucceeded = 6
)

// graceDelay gives logged-in users time to react before the machine goes
// down.
const graceDelay = "+5"

const (
	rebootNotice   = "System is restarting at the administrator's request"
	shutdownNotice = "System is shutting down at the administrator's request"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Queue is the slice of the message store the manager needs.
type Queue interface {
	Add(msg message.Message) (uint64, error)
}

// Urgenter triggers an out-of-cadence exchange so the result reaches the
// server before the machine goes down.
type Urgenter interface {
	Urgent()
}

// Manager handles server shutdown messages.
type Manager struct {
	queue    Queue
	exchange Urgenter
	run      Runner
	logger   *slog.Logger
}

// New creates the manager.
func New(q Queue, ex Urgenter, run Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{queue: q, exchange: ex, run: run, logger: logger}
}

// Name implements the plugin interface.
func (m *Manager) Name() string { return "shutdown" }

// Run implements the plugin interface; the manager only reacts to server
// messages.
func (m *Manager) Run(context.Context) error { return nil }

// HandleShutdown executes one shutdown message and queues the
// operation-result. Dispatch errors are reported through the result
// message, not the return value.
func (m *Manager) HandleShutdown(ctx context.Context, msg message.Message) error {
	opID := msg["operation-id"]
	reboot, _ := msg["reboot"].(bool)

	flag, notice := "-h", shutdownNotice
	if reboot {
		flag, notice = "-r", rebootNotice
	}

	m.logger.Info("executing shutdown request",
		slog.Bool("reboot", reboot),
		slog.Any("operation_id", opID))

	out, err := m.run(ctx, "shutdown", flag, graceDelay, notice)

	result := message.Message{
		"type":         message.TypeOperationResult,
		"operation-id": opID,
	}
	if err != nil {
		result["status"] = StatusFailed
		result["result-text"] = fmt.Sprintf("shutdown command failed: %v", err)
		m.logger.Error("shutdown command failed", slog.String("error", err.Error()))
	} else {
		result["status"] = StatusSucceeded
		result["result-text"] = out
	}

	if _, err := m.queue.Add(result); err != nil {
		return fmt.Errorf("failed to queue operation result: %w", err)
	}

	// The machine goes down shortly; push the result out now.
	m.exchange.Urgent()
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fleetagent/message"
	"github.com/absmach/fleetagent/store"
)

// Server message types consumed by the handler.
const (
	msgSetID              = "set-id"
	msgRegistrationFailed = "registration-failed"
)

// ErrRegistration means the server refused the registration attempt
// (unknown account, wrong credentials). It is surfaced to the operator
// and never retried automatically.
var ErrRegistration = errors.New("registration: rejected by server")

// Exchanger is the slice of the exchange engine the handler needs: a way
// to escalate urgency and a way to receive server-pushed messages.
type Exchanger interface {
	// Urgent schedules an exchange ahead of the regular cadence.
	Urgent()

	// Handle registers a handler for a server message type.
	Handle(msgType string, h func(ctx context.Context, msg message.Message) error)
}

// pending tracks one in-flight registration attempt. Concurrent Register
// calls share a single pending outcome so retries never duplicate the
// registration message.
type pending struct {
	done chan struct{}
	err  error
}

// Handler drives the registration conversation: it queues the urgent
// register message, waits for the server's verdict, and persists the
// issued IDs.
type Handler struct {
	identity *Identity
	store    *store.MessageStore
	exchange Exchanger
	logger   *slog.Logger

	// platformTags enrich the register message (virtualization type and
	// similar host facts).
	platformTags map[string]any

	mu       sync.Mutex
	inflight *pending
	onDone   []func()
}

// NewHandler creates a registration handler and wires it to the
// exchanger's message routing.
func NewHandler(identity *Identity, ms *store.MessageStore, ex Exchanger, platformTags map[string]any, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		identity:     identity,
		store:        ms,
		exchange:     ex,
		logger:       logger,
		platformTags: platformTags,
	}

	ex.Handle(msgSetID, h.handleSetID)
	ex.Handle(msgRegistrationFailed, h.handleFailed)

	return h
}

// OnRegistrationDone registers a callback fired after a successful
// registration has been persisted.
func (h *Handler) OnRegistrationDone(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDone = append(h.onDone, fn)
}

// Register queues a registration message and blocks until the server
// answers or ctx expires. If a registration is already in flight the
// call joins it and returns the same outcome; at most one registration
// message is ever pending.
func (h *Handler) Register(ctx context.Context) error {
	h.mu.Lock()
	p := h.inflight
	if p == nil {
		p = &pending{done: make(chan struct{})}
		h.inflight = p
		h.mu.Unlock()

		if err := h.enqueue(); err != nil {
			h.complete(err)
		}
	} else {
		h.mu.Unlock()
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue builds the register message and schedules an urgent exchange.
func (h *Handler) enqueue() error {
	msg := message.Message{
		"type":           message.TypeRegister,
		"computer-title": h.identity.ComputerTitle(),
		"account-name":   h.identity.AccountName(),
	}
	if id := h.identity.InsecureID(); id != "" {
		msg["insecure-id"] = id
	}
	for k, v := range h.platformTags {
		msg[k] = v
	}

	if _, err := h.store.Add(msg); err != nil {
		return fmt.Errorf("failed to queue registration message: %w", err)
	}

	h.logger.Info("queued registration message",
		slog.String("account", h.identity.AccountName()),
		slog.String("computer_title", h.identity.ComputerTitle()))

	h.exchange.Urgent()
	return nil
}

// handleSetID consumes the server's successful registration response.
func (h *Handler) handleSetID(_ context.Context, msg message.Message) error {
	secureID, _ := msg["id"].(string)
	insecureID, _ := msg["insecure-id"].(string)
	if secureID == "" {
		return fmt.Errorf("set-id message missing id field")
	}

	if err := h.identity.SetIDs(secureID, insecureID); err != nil {
		h.logger.Warn("failed to flush identity state", slog.String("error", err.Error()))
	}
	h.logger.Info("registration complete", slog.String("insecure_id", insecureID))

	h.complete(nil)

	h.mu.Lock()
	callbacks := make([]func(), len(h.onDone))
	copy(callbacks, h.onDone)
	h.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// handleFailed consumes the server's rejection.
func (h *Handler) handleFailed(_ context.Context, msg message.Message) error {
	reason, _ := msg["info"].(string)
	h.logger.Error("registration failed", slog.String("reason", reason))
	h.complete(fmt.Errorf("%w: %s", ErrRegistration, reason))
	return nil
}

// complete resolves the in-flight attempt, if any.
func (h *Handler) complete(err error) {
	h.mu.Lock()
	p := h.inflight
	h.inflight = nil
	h.mu.Unlock()

	if p != nil {
		p.err = err
		close(p.done)
	}
}

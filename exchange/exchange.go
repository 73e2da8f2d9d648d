// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package exchange implements the periodic message exchange with the
// management server: it batches pending messages from the store, delivers
// them over a transport, and applies the server's response (acknowledgment
// watermark, accepted-type set, server-pushed messages, resynchronization
// directives) as one unit.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/fleetagent/message"
	"github.com/absmach/fleetagent/store"
	"github.com/absmach/fleetagent/transport"
)

// Defaults mirror the intervals a lightly loaded agent runs with.
const (
	DefaultInterval       = 15 * time.Minute
	DefaultUrgentInterval = time.Minute
	DefaultBackoffBase    = time.Minute
	DefaultBackoffCap     = time.Hour
	DefaultMaxBatch       = 100
)

// Handler consumes one server-pushed message type.
type Handler func(ctx context.Context, msg message.Message) error

// Observer receives exchange telemetry. The zero observer is a no-op;
// server/otel provides a metrics-backed one.
type Observer interface {
	ExchangeCompleted(dur time.Duration, sent int, err error)
	PendingMessages(n int)
}

type nopObserver struct{}

func (nopObserver) ExchangeCompleted(time.Duration, int, error) {}
func (nopObserver) PendingMessages(int)                         {}

// Resynchronizer is notified when the server directs a state reset.
type Resynchronizer interface {
	Resynchronize()
}

// PluginFlusher is invoked right before pending messages are gathered,
// letting plugins convert accumulated samples into messages.
type PluginFlusher interface {
	Exchange(ctx context.Context)
}

// Identity is the slice of the registration identity the engine needs.
type Identity interface {
	SecureID() string
	ClearSecureID()
}

// Config tunes the exchange cadence.
type Config struct {
	// Interval is the regular exchange period.
	Interval time.Duration

	// UrgentInterval is the reduced period used while an urgent exchange
	// is wanted. It is also the minimum spacing between any two
	// exchanges, so a burst of urgency cannot flood the server.
	UrgentInterval time.Duration

	// BackoffBase and BackoffCap bound the exponential retry delay after
	// transmission failures.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// MaxBatch caps the messages sent per exchange.
	MaxBatch int

	// Heartbeat sends empty exchanges on the regular cadence even when
	// nothing is pending, keeping the server's liveness view fresh.
	Heartbeat bool
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.UrgentInterval <= 0 {
		c.UrgentInterval = DefaultUrgentInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
}

// Engine drives the exchange loop. All scheduling state is owned by the
// loop goroutine; external callers interact through Urgent, Handle and
// RunOnce.
type Engine struct {
	cfg       Config
	store     *store.MessageStore
	transport transport.Transport
	identity  Identity
	logger    *slog.Logger
	observer  Observer

	// limiter enforces the minimum spacing between exchanges.
	limiter *rate.Limiter

	// now is replaceable for deterministic tests.
	now func() time.Time

	mu         sync.Mutex
	handlers   map[string]Handler
	resyncs    []Resynchronizer
	flushers   []PluginFlusher
	onRejected []func()
	urgent     bool
	failures   int

	urgentCh chan struct{}
	done     chan struct{}
}

// New creates an exchange engine. The identity may be nil for agents that
// exchange anonymously (before first registration).
func New(cfg Config, ms *store.MessageStore, tr transport.Transport, id Identity, logger *slog.Logger) *Engine {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:       cfg,
		store:     ms,
		transport: tr,
		identity:  id,
		logger:    logger,
		observer:  nopObserver{},
		limiter:   rate.NewLimiter(rate.Every(cfg.UrgentInterval), 1),
		now:       time.Now,
		handlers:  make(map[string]Handler),
		urgentCh:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// SetObserver installs a telemetry observer. Call before Start.
func (e *Engine) SetObserver(o Observer) {
	if o != nil {
		e.observer = o
	}
}

// Handle registers the handler for a server message type. A second
// registration for the same type replaces the first.
func (e *Engine) Handle(msgType string, h func(ctx context.Context, msg message.Message) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[msgType] = h
}

// AddResynchronizer registers a hook fired on server resynchronize
// directives.
func (e *Engine) AddResynchronizer(r Resynchronizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resyncs = append(e.resyncs, r)
}

// AddFlusher registers a pre-exchange flush hook.
func (e *Engine) AddFlusher(f PluginFlusher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushers = append(e.flushers, f)
}

// OnIdentityRejected registers a callback fired after the server rejects
// the agent's credentials and the secure ID has been cleared.
func (e *Engine) OnIdentityRejected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRejected = append(e.onRejected, fn)
}

// Urgent requests an exchange ahead of the regular cadence. The request
// is level-triggered: it stays set until a successful exchange leaves
// the queue empty.
func (e *Engine) Urgent() {
	e.mu.Lock()
	e.urgent = true
	e.mu.Unlock()

	select {
	case e.urgentCh <- struct{}{}:
	default:
	}
}

// IsUrgent reports whether an urgent exchange is pending.
func (e *Engine) IsUrgent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urgent
}

// FailureCount returns the consecutive transmission failures.
func (e *Engine) FailureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Start runs the exchange loop until ctx is canceled. It blocks; run it
// in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	defer close(e.done)

	timer := time.NewTimer(e.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.urgentCh:
			// A failing server keeps its backoff schedule; the urgent
			// flag stays set and the retry timer will honor it.
			if e.FailureCount() > 0 {
				continue
			}
			// Respect the spacing floor even under urgency.
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
		case <-timer.C:
		}

		if err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("exchange failed", slog.String("error", err.Error()))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.nextDelay())
	}
}

// Stopped returns a channel closed when the loop exits.
func (e *Engine) Stopped() <-chan struct{} { return e.done }

// nextDelay picks the wait before the next scheduled exchange: the
// backoff delay after failures, the urgent interval while urgency is
// pending, the regular interval otherwise.
func (e *Engine) nextDelay() time.Duration {
	e.mu.Lock()
	failures := e.failures
	urgent := e.urgent
	e.mu.Unlock()

	if failures > 0 {
		return e.backoffDelay(failures)
	}
	if urgent {
		return e.cfg.UrgentInterval
	}
	return e.cfg.Interval
}

// backoffDelay computes min(base * 2^(failures-1), cap).
func (e *Engine) backoffDelay(failures int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}

// RunOnce performs a single exchange cycle: flush plugins, gather the
// batch, deliver it, apply the response. Empty non-urgent exchanges are
// skipped unless heartbeats are enabled.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.mu.Lock()
	flushers := make([]PluginFlusher, len(e.flushers))
	copy(flushers, e.flushers)
	urgent := e.urgent
	e.mu.Unlock()

	for _, f := range flushers {
		f.Exchange(ctx)
	}

	batch := e.store.GetPendingMessages(e.cfg.MaxBatch)
	e.observer.PendingMessages(e.store.PendingCount())

	if len(batch) == 0 && !urgent && !e.cfg.Heartbeat {
		return nil
	}

	payload := e.buildPayload(batch)

	start := e.now()
	resp, err := e.transport.Exchange(ctx, payload)
	e.observer.ExchangeCompleted(e.now().Sub(start), len(batch), err)

	if err != nil {
		return e.handleFailure(err)
	}

	e.applyResponse(ctx, resp)

	// Urgency clears only once the queue drains: a batch truncated by
	// MaxBatch may still hold the messages that caused it.
	e.mu.Lock()
	e.failures = 0
	if e.store.PendingCount() == 0 {
		e.urgent = false
	}
	e.mu.Unlock()

	return nil
}

// buildPayload assembles the wire envelope for the batch.
func (e *Engine) buildPayload(batch []message.Sequenced) *transport.Payload {
	p := &transport.Payload{
		API:                 message.API,
		Sequence:            e.store.NextSequence(),
		Messages:            make([]message.Message, 0, len(batch)),
		TotalMessages:       e.store.PendingCount(),
		AcceptedTypesDigest: digest(e.store.AcceptedTypes()),
	}
	if e.identity != nil {
		p.ComputerID = e.identity.SecureID()
	}
	if len(batch) > 0 {
		p.Sequence = batch[0].Sequence
		for _, sm := range batch {
			p.Messages = append(p.Messages, sm.Message)
		}
	}
	return p
}

// handleFailure classifies a transmission error: identity rejection
// revokes the credential and triggers re-registration, everything else
// counts toward backoff. Pending messages are never dropped on failure.
func (e *Engine) handleFailure(err error) error {
	e.mu.Lock()
	e.failures++
	failures := e.failures
	var rejected []func()
	if errors.Is(err, transport.ErrIdentityRejected) {
		rejected = make([]func(), len(e.onRejected))
		copy(rejected, e.onRejected)
	}
	e.mu.Unlock()

	if rejected != nil {
		e.logger.Error("server rejected agent identity, clearing credential")
		if e.identity != nil {
			e.identity.ClearSecureID()
		}
		for _, fn := range rejected {
			fn()
		}
		return err
	}

	e.logger.Warn("exchange transmission failed",
		slog.Int("consecutive_failures", failures),
		slog.Duration("retry_in", e.backoffDelay(failures)),
		slog.String("error", err.Error()))
	return err
}

// applyResponse applies the server's reply as one unit: accepted types
// first, then the acknowledgment watermark, then a durable flush, then
// dispatch of server messages and resynchronization hooks.
func (e *Engine) applyResponse(ctx context.Context, resp *transport.Response) {
	if resp.AcceptedTypes != nil {
		e.store.SetAcceptedTypes(resp.AcceptedTypes)
	}
	if resp.NextExpectedSequence > 0 {
		e.store.Acknowledge(resp.NextExpectedSequence - 1)
	}
	if err := e.store.Flush(); err != nil {
		e.logger.Error("failed to flush message store", slog.String("error", err.Error()))
	}

	for _, msg := range resp.Messages {
		e.dispatch(ctx, msg)
	}

	if resp.Resynchronize {
		e.mu.Lock()
		resyncs := make([]Resynchronizer, len(e.resyncs))
		copy(resyncs, e.resyncs)
		e.mu.Unlock()

		e.logger.Info("server requested resynchronization")
		for _, r := range resyncs {
			r.Resynchronize()
		}
	}
}

// dispatch routes one server message to its registered handler.
func (e *Engine) dispatch(ctx context.Context, msg message.Message) {
	msgType := msg.Type()

	e.mu.Lock()
	h, ok := e.handlers[msgType]
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("no handler for server message", slog.String("type", msgType))
		return
	}
	if err := h(ctx, msg); err != nil {
		e.logger.Error("server message handler failed",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
	}
}

// digest hashes the sorted accepted-type list so the server can detect a
// stale set without receiving it on every exchange.
func digest(types []string) string {
	if len(types) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(types, ";")))
	return hex.EncodeToString(sum[:])
}

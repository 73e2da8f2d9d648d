// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package plugin provides the generic scheduler that drives telemetry
// plugins. A single shared timer ticks all registered plugins in
// registration order; a failing or panicking plugin is logged and never
// prevents the others from running.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Plugin is the required capability: periodic work, typically enqueueing
// messages into the message store.
type Plugin interface {
	Name() string
	Run(ctx context.Context) error
}

// Exchanger is an optional capability invoked just before network
// transmission, letting a plugin flush accumulated samples into messages.
type Exchanger interface {
	Exchange(ctx context.Context) error
}

// Resynchronizer is an optional capability invoked when the server
// requests a state reset. Plugins that deduplicate against cached state
// must drop that cache and stop treating identical data as duplicate.
type Resynchronizer interface {
	Resynchronize()
}

// Registry schedules registered plugins on a fixed shared interval.
// Deduplication is plugin-owned; the registry provides none.
type Registry struct {
	mu       sync.Mutex
	logger   *slog.Logger
	interval time.Duration
	plugins  []Plugin

	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewRegistry creates a registry ticking at the given interval.
func NewRegistry(interval time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Registry{
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add registers a plugin. Plugins run in registration order.
func (r *Registry) Add(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
	r.logger.Debug("plugin registered", slog.String("plugin", p.Name()))
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Start runs the shared ticker until the context is canceled or Stop is
// called. It blocks; run it in its own goroutine.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop terminates the ticker loop and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.done
	}
}

// RunOnce ticks every plugin once, in registration order, isolating
// failures.
func (r *Registry) RunOnce(ctx context.Context) {
	for _, p := range r.Plugins() {
		if err := r.runIsolated(ctx, p); err != nil {
			r.logger.Error("plugin run failed",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()))
		}
	}
}

// Exchange invokes the Exchange hook of every plugin that has one. The
// exchange engine calls this right before gathering pending messages.
func (r *Registry) Exchange(ctx context.Context) {
	for _, p := range r.Plugins() {
		ex, ok := p.(Exchanger)
		if !ok {
			continue
		}
		if err := r.exchangeIsolated(ctx, p.Name(), ex); err != nil {
			r.logger.Error("plugin exchange failed",
				slog.String("plugin", p.Name()),
				slog.String("error", err.Error()))
		}
	}
}

// Resynchronize invokes the Resynchronize hook of every plugin that has
// one. Called when the server directs a state reset; each hook fires
// exactly once per directive, before the next Run tick.
func (r *Registry) Resynchronize() {
	for _, p := range r.Plugins() {
		rs, ok := p.(Resynchronizer)
		if !ok {
			continue
		}
		func() {
			defer r.recoverPanic(p.Name(), "resynchronize")
			rs.Resynchronize()
		}()
		r.logger.Debug("plugin resynchronized", slog.String("plugin", p.Name()))
	}
}

func (r *Registry) runIsolated(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Run(ctx)
}

func (r *Registry) exchangeIsolated(ctx context.Context, name string, ex Exchanger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return ex.Exchange(ctx)
}

func (r *Registry) recoverPanic(name, hook string) {
	if rec := recover(); rec != nil {
		r.logger.Error("plugin hook panicked",
			slog.String("plugin", name),
			slog.String("hook", hook),
			slog.Any("panic", rec))
	}
}

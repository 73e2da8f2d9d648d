// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// testPlugin implements Plugin plus the optional capabilities, recording
// every invocation.
type testPlugin struct {
	name     string
	runErr   error
	panicRun bool

	runs    []time.Time
	exches  int
	resyncs int
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Run(ctx context.Context) error {
	if p.panicRun {
		panic("boom")
	}
	p.runs = append(p.runs, time.Now())
	return p.runErr
}

func (p *testPlugin) Exchange(ctx context.Context) error {
	p.exches++
	return nil
}

func (p *testPlugin) Resynchronize() {
	p.resyncs++
}

// runOnly implements just the required capability.
type runOnly struct{ runs int }

func (p *runOnly) Name() string                  { return "run-only" }
func (p *runOnly) Run(ctx context.Context) error { p.runs++; return nil }

func TestRunOnce_TicksInRegistrationOrder(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	var order []string
	mk := func(name string) Plugin {
		return pluginFunc{name: name, run: func(context.Context) error {
			order = append(order, name)
			return nil
		}}
	}
	r.Add(mk("a"))
	r.Add(mk("b"))
	r.Add(mk("c"))

	r.RunOnce(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunOnce_IsolatesFailures(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	failing := &testPlugin{name: "failing", runErr: errors.New("broken")}
	panicking := &testPlugin{name: "panicking", panicRun: true}
	healthy := &testPlugin{name: "healthy"}

	r.Add(failing)
	r.Add(panicking)
	r.Add(healthy)

	r.RunOnce(context.Background())

	assert.Len(t, healthy.runs, 1, "healthy plugin must run despite earlier failures")
}

func TestExchange_OnlyInvokesExchangers(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	full := &testPlugin{name: "full"}
	bare := &runOnly{}
	r.Add(full)
	r.Add(bare)

	r.Exchange(context.Background())

	assert.Equal(t, 1, full.exches)
	assert.Equal(t, 0, bare.runs, "Exchange must not tick Run")
}

func TestResynchronize_InvokesHooksExactlyOnce(t *testing.T) {
	r := NewRegistry(time.Minute, nil)

	a := &testPlugin{name: "a"}
	b := &testPlugin{name: "b"}
	r.Add(a)
	r.Add(b)
	r.Add(&runOnly{})

	r.Resynchronize()

	assert.Equal(t, 1, a.resyncs)
	assert.Equal(t, 1, b.resyncs)

	// A second directive fires the hooks again; the registry does not
	// deduplicate directives.
	r.Resynchronize()
	assert.Equal(t, 2, a.resyncs)
}

func TestStart_TicksPeriodically(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)

	ticks := make(chan struct{}, 16)
	r.Add(pluginFunc{name: "ticker", run: func(context.Context) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)
	defer r.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("plugin was not ticked in time")
		}
	}
}

// pluginFunc adapts a func to Plugin for terse test registration.
type pluginFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (p pluginFunc) Name() string                  { return p.name }
func (p pluginFunc) Run(ctx context.Context) error { return p.run(ctx) }

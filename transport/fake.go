// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Fake is an in-memory Transport for tests. It records every payload it
// is asked to deliver and replies with a scripted queue of responses or
// errors.
type Fake struct {
	mu        sync.Mutex
	payloads  []*Payload
	responses []fakeReply
	// Default reply when the script is exhausted.
	Default Response
}

type fakeReply struct {
	resp *Response
	err  error
}

// NewFake creates an empty fake transport.
func NewFake() *Fake {
	return &Fake{}
}

// QueueResponse scripts the next successful exchange.
func (f *Fake) QueueResponse(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeReply{resp: resp})
}

// QueueError scripts the next exchange to fail with err.
func (f *Fake) QueueError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeReply{err: err})
}

// Exchange records the payload and pops the next scripted reply.
func (f *Fake) Exchange(_ context.Context, p *Payload) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.payloads = append(f.payloads, p)

	if len(f.responses) == 0 {
		resp := f.Default
		return &resp, nil
	}

	reply := f.responses[0]
	f.responses = f.responses[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.resp, nil
}

// Payloads returns every payload delivered so far, in order.
func (f *Fake) Payloads() []*Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Payload, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// ExchangeCount returns how many exchanges have been attempted.
func (f *Fake) ExchangeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// Close implements Transport.
func (f *Fake) Close() error { return nil }

var _ Transport = (*Fake)(nil)

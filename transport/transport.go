// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries exchange payloads between the agent and the
// management server. The exchange engine is agnostic to the wire: HTTP,
// WebSocket, MQTT and test fakes all satisfy the same interface. The one
// hard requirement is that delivery failures stay distinguishable from
// malformed-but-received responses.
package transport

import (
	"context"
	"errors"

	"github.com/absmach/fleetagent/message"
)

// Transport errors. The exchange engine classifies them with errors.Is.
var (
	// ErrTransport covers network and delivery failures. Retryable with
	// backoff.
	ErrTransport = errors.New("transport: delivery failed")

	// ErrMalformedResponse means the server replied but the reply could
	// not be parsed. Treated as a transmission failure.
	ErrMalformedResponse = errors.New("transport: malformed server response")

	// ErrIdentityRejected means the server no longer recognizes the
	// agent's credentials. The agent must clear its secure ID and
	// re-register.
	ErrIdentityRejected = errors.New("transport: identity rejected by server")
)

// Payload is one exchange request: the batch of pending messages plus
// the bookkeeping the server needs to deduplicate and acknowledge them.
type Payload struct {
	API        string `json:"api"`
	ComputerID string `json:"computer-id,omitempty"`

	// Sequence is the sequence number of the first message in the batch,
	// or the next sequence to be assigned when the batch is empty.
	Sequence uint64            `json:"sequence"`
	Messages []message.Message `json:"messages"`

	// TotalMessages lets the server see queue depth beyond this batch.
	TotalMessages int `json:"total-messages"`

	// AcceptedTypesDigest is a hash of the accepted-type set the agent
	// believes is current; a mismatch makes the server resend the list.
	AcceptedTypesDigest string `json:"accepted-types-digest,omitempty"`
}

// Response is the server's reply to an exchange.
type Response struct {
	// NextExpectedSequence acknowledges everything below it.
	NextExpectedSequence uint64 `json:"next-expected-sequence"`

	// AcceptedTypes, when present, replaces the agent's accepted-type set.
	AcceptedTypes []string `json:"accepted-types,omitempty"`

	// Messages are server-initiated messages for the agent to dispatch.
	Messages []message.Message `json:"messages,omitempty"`

	// Resynchronize tells plugins to discard cached deduplication state.
	Resynchronize bool `json:"resynchronize,omitempty"`
}

// Transport performs one request/response exchange cycle.
type Transport interface {
	// Exchange delivers the payload and returns the server's response.
	// Failures are reported through the package error taxonomy.
	Exchange(ctx context.Context, p *Payload) (*Response, error)

	// Close releases any held connections.
	Close() error
}

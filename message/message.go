// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the wire envelope exchanged between the agent
// and the management server. A message is a loosely typed field mapping;
// the only mandatory field is "type", which identifies the schema the
// server should apply to the rest of the fields.
package message

// API is the exchange protocol version advertised in every payload.
const API = "3.2"

// Well-known message types produced by the agent core. Plugins define
// their own types on top of these.
const (
	TypeRegister        = "register"
	TypeOperationResult = "operation-result"
)

// Message is a single exchange message. Messages are immutable once
// admitted to the message store; callers must not mutate a message after
// handing it over.
type Message map[string]any

// Type returns the message's type tag, or "" if it is missing or not a
// string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Clone returns a shallow copy of the message. Field values are shared;
// the top-level mapping is not.
func (m Message) Clone() Message {
	c := make(Message, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Sequenced pairs a message with the delivery sequence number assigned
// by the message store.
type Sequenced struct {
	Sequence uint64  `json:"sequence"`
	Message  Message `json:"message"`
}

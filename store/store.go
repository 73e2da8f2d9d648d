// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store implements the agent's outgoing message queue: an
// append-only, sequence-numbered store with acceptance filtering and
// acknowledgment-based trimming. Pending messages always form the
// contiguous suffix of assigned sequence numbers that the server has not
// yet confirmed.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/absmach/fleetagent/message"
	"github.com/absmach/fleetagent/persist"
)

// Persist paths owned by the message store.
const (
	pathNextSequence  = "message-store.next-sequence"
	pathAckSequence   = "message-store.server-ack-sequence"
	pathPending       = "message-store.pending"
	pathAcceptedTypes = "message-store.accepted-types"
)

// ErrTypeRejected is returned by Add when the message's type is not in
// the server's accepted set. The message is dropped, never retried.
var ErrTypeRejected = errors.New("store: message type not accepted by server")

// MessageStore is the durable outgoing queue. All state mutations flow
// through the persisted store so sequence counters and the acknowledgment
// watermark survive restarts.
type MessageStore struct {
	mu      sync.Mutex
	logger  *slog.Logger
	persist persist.Store

	accepted map[string]bool
	pending  []message.Sequenced

	// nextSequence is the sequence number the next admitted message will
	// receive. Sequences start at 1.
	nextSequence uint64

	// ackSequence is the highest sequence number the server has confirmed
	// receiving. It only ever moves forward.
	ackSequence uint64
}

// New creates a message store backed by p, restoring counters, accepted
// types and pending messages from a previous run.
func New(p persist.Store, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}

	s := &MessageStore{
		logger:       logger,
		persist:      p,
		accepted:     make(map[string]bool),
		nextSequence: p.GetUint64(pathNextSequence, 1),
		ackSequence:  p.GetUint64(pathAckSequence, 0),
	}

	if !s.loadAcceptedTypes() {
		// A fresh agent must be able to introduce itself before the
		// server has ever told it what it accepts. The first response's
		// accepted-types replaces this seed.
		s.accepted[message.TypeRegister] = true
	}
	s.loadPending()

	return s
}

// loadAcceptedTypes restores the accepted-type set from the persisted
// store, reporting whether a previously saved set was found.
func (s *MessageStore) loadAcceptedTypes() bool {
	v, ok := s.persist.Get(pathAcceptedTypes)
	if !ok {
		return false
	}
	// Values round-trip through JSON, so the list arrives as []any.
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var types []string
	if err := json.Unmarshal(raw, &types); err != nil {
		s.logger.Warn("discarding unreadable accepted-types state")
		return false
	}
	for _, t := range types {
		s.accepted[t] = true
	}
	return true
}

// loadPending restores the pending queue from the persisted store.
func (s *MessageStore) loadPending() {
	v, ok := s.persist.Get(pathPending)
	if !ok {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	var pending []message.Sequenced
	if err := json.Unmarshal(raw, &pending); err != nil {
		s.logger.Warn("discarding unreadable pending-message state")
		return
	}
	s.pending = pending
}

// SetAcceptedTypes replaces the set of message types the server accepts.
// Pending messages whose type is no longer accepted are dropped with a
// logged notice; they are never silently retried against rejection.
func (s *MessageStore) SetAcceptedTypes(types []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accepted = make(map[string]bool, len(types))
	for _, t := range types {
		s.accepted[t] = true
	}

	kept := s.pending[:0]
	for _, sm := range s.pending {
		if s.accepted[sm.Message.Type()] {
			kept = append(kept, sm)
			continue
		}
		s.logger.Info("dropping pending message of rejected type",
			slog.String("type", sm.Message.Type()),
			slog.Uint64("sequence", sm.Sequence))
	}
	s.pending = kept

	s.syncState()
}

// AcceptedTypes returns the accepted-type set, sorted.
func (s *MessageStore) AcceptedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make([]string, 0, len(s.accepted))
	for t := range s.accepted {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Accepts reports whether the server currently accepts the given type.
func (s *MessageStore) Accepts(msgType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[msgType]
}

// Add admits a message to the queue, assigning it the next sequence
// number. It fails with ErrTypeRejected if the message's type is not
// currently accepted by the server.
func (s *MessageStore) Add(msg message.Message) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgType := msg.Type()
	if !s.accepted[msgType] {
		return 0, fmt.Errorf("%w: %q", ErrTypeRejected, msgType)
	}

	seq := s.nextSequence
	s.nextSequence++
	s.pending = append(s.pending, message.Sequenced{Sequence: seq, Message: msg.Clone()})

	s.syncState()
	return seq, nil
}

// GetPendingMessages returns up to max pending messages in sequence
// order without mutating state. max <= 0 returns all pending messages.
func (s *MessageStore) GetPendingMessages(max int) []message.Sequenced {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	if max > 0 && max < n {
		n = max
	}

	out := make([]message.Sequenced, n)
	copy(out, s.pending[:n])
	return out
}

// Acknowledge removes all pending messages with sequence <= seq and
// advances the watermark. It is idempotent; a value below the current
// watermark is a no-op — the watermark never moves backward.
func (s *MessageStore) Acknowledge(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.ackSequence {
		return
	}
	if max := s.nextSequence - 1; seq > max {
		seq = max
	}
	s.ackSequence = seq

	i := 0
	for i < len(s.pending) && s.pending[i].Sequence <= seq {
		i++
	}
	s.pending = s.pending[i:]

	s.syncState()
}

// PendingCount returns the number of unacknowledged messages.
func (s *MessageStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextSequence returns the sequence number the next message will receive.
func (s *MessageStore) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

// AckSequence returns the server acknowledgment watermark.
func (s *MessageStore) AckSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackSequence
}

// syncState mirrors in-memory state into the persisted store. Callers
// must hold s.mu. The snapshot itself is flushed by Flush.
func (s *MessageStore) syncState() {
	s.persist.Set(pathNextSequence, s.nextSequence)
	s.persist.Set(pathAckSequence, s.ackSequence)
	s.persist.Set(pathPending, s.pending)

	types := make([]string, 0, len(s.accepted))
	for t := range s.accepted {
		types = append(types, t)
	}
	sort.Strings(types)
	s.persist.Set(pathAcceptedTypes, types)
}

// Flush writes the snapshot to durable storage. The exchange engine calls
// this after applying a server response and before reporting success, so
// a crash between transmission and flush can duplicate deliveries but
// never lose the fact that messages were acknowledged.
func (s *MessageStore) Flush() error {
	return s.persist.Save()
}

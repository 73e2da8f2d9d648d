// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore implements Store on BadgerDB, one key per dotted path.
// Suitable for agents with large per-plugin state where rewriting a full
// snapshot on every flush would be wasteful.
type BadgerStore struct {
	mu     sync.Mutex
	db     *badger.DB
	closed bool

	// writeErr holds the first deferred Set/Delete failure until Save
	// surfaces it.
	writeErr error
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Agent state writes are small and infrequent; pay for durability.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger persist store: %w", err)
	}

	return &BadgerStore{db: db}, nil
}

// Get returns the value stored at the dotted path, if any.
func (s *BadgerStore) Get(path string) (any, bool) {
	var value any
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &value); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false
	}

	return value, found
}

// GetString returns the string at path, or def if absent or not a string.
func (s *BadgerStore) GetString(path, def string) string {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// GetUint64 returns the unsigned integer at path, or def if absent.
func (s *BadgerStore) GetUint64(path string, def uint64) uint64 {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case uint64:
		return n
	case float64:
		if n < 0 {
			return def
		}
		return uint64(n)
	default:
		return def
	}
}

// Set stores a value at the dotted path. Marshal or write failures are
// surfaced on the next Save.
func (s *BadgerStore) Set(path string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		s.recordWriteErr(fmt.Errorf("failed to encode %q: %w", path, err))
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), data)
	})
	if err != nil {
		s.recordWriteErr(fmt.Errorf("failed to write %q: %w", path, err))
	}
}

// Delete removes the value at the dotted path.
func (s *BadgerStore) Delete(path string) {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
	if err != nil {
		s.recordWriteErr(fmt.Errorf("failed to delete %q: %w", path, err))
	}
}

// recordWriteErr keeps the first deferred write failure.
func (s *BadgerStore) recordWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
}

// Save syncs outstanding writes to disk. A Set or Delete that failed
// since the last Save fails this one, so callers relying on
// flush-before-ack see the loss instead of silently acknowledging it.
func (s *BadgerStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.writeErr; err != nil {
		s.writeErr = nil
		return err
	}
	return s.db.Sync()
}

// Close syncs and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

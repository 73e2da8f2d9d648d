// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package persist provides the agent's durable state snapshot. State is
// addressed by dotted paths ("registration.secure-id",
// "message-store.next-sequence") and survives process restarts. The store
// is exclusively owned by the agent process; there are no concurrent
// external writers.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// snapshotVersion is bumped when the on-disk layout changes.
const snapshotVersion = 1

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("persist: store closed")

// Store is the durable key/value snapshot backing the message store
// counters, identity fields and per-plugin state.
type Store interface {
	// Get returns the value stored at the dotted path, if any.
	Get(path string) (any, bool)

	// GetString returns the string at path, or def if absent or not a string.
	GetString(path, def string) string

	// GetUint64 returns the unsigned integer at path, or def if absent.
	GetUint64(path string, def uint64) uint64

	// Set stores a value at the dotted path. The value must be
	// JSON-serializable.
	Set(path string, value any)

	// Delete removes the value at the dotted path, if present.
	Delete(path string)

	// Save flushes the snapshot to durable storage.
	Save() error

	// Close flushes and releases the store.
	Close() error
}

// snapshot is the on-disk representation of a FileStore.
type snapshot struct {
	Version int            `json:"version"`
	Data    map[string]any `json:"data"`
}

// FileStore keeps the snapshot as a single JSON file, written atomically
// (temp file + rename) so a crash mid-write never truncates the previous
// snapshot.
type FileStore struct {
	mu       sync.Mutex
	filename string
	data     map[string]any
	logger   *slog.Logger
	closed   bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads the snapshot at filename, creating an empty store if
// the file does not exist. A corrupt snapshot is not fatal: the store
// starts fresh and a warning is logged, trading data loss for liveness.
func NewFileStore(filename string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		filename: filename,
		data:     make(map[string]any),
		logger:   logger,
	}

	raw, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read persist snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil || snap.Data == nil {
		logger.Warn("persist snapshot corrupt, starting fresh",
			slog.String("file", filename))
		return s, nil
	}
	if snap.Version > snapshotVersion {
		logger.Warn("persist snapshot from newer version, starting fresh",
			slog.String("file", filename),
			slog.Int("version", snap.Version))
		return s, nil
	}

	s.data = snap.Data
	return s, nil
}

// Get returns the value stored at the dotted path, if any.
func (s *FileStore) Get(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[path]
	return v, ok
}

// GetString returns the string at path, or def if absent or not a string.
func (s *FileStore) GetString(path, def string) string {
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
// JSON decoding yields float64 for numbers; both are accepted.
func (s *FileStore) GetUint64(path string, def uint64) uint64 {
	v, ok := s.Get(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		if n < 0 {
			return def
		}
		return uint64(n)
	case float64:
		if n < 0 {
			return def
		}
		return uint64(n)
	default:
		return def
	}
}

// Set stores a value at the dotted path.
func (s *FileStore) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = value
}

// Delete removes the value at the dotted path.
func (s *FileStore) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
}

// Save writes the snapshot atomically: marshal to a temp file in the same
// directory, fsync, then rename over the previous snapshot.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	raw, err := json.Marshal(snapshot{Version: snapshotVersion, Data: s.data})
	if err != nil {
		return fmt.Errorf("failed to marshal persist snapshot: %w", err)
	}

	dir := filepath.Dir(s.filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create persist directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.filename)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace persist snapshot: %w", err)
	}

	return nil
}

// Close flushes and marks the store closed.
func (s *FileStore) Close() error {
	if err := s.Save(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

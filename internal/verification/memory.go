// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Castline Contributors

package verification

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/castline/castline/internal/xdg"
)

// MemoryStore keeps records in process memory. A mutex serializes the
// lookup, mark and delete steps of Consume.
//
// With a snapshot path the store is loaded from disk at construction and
// written back, under the mutex, after every Consume that changes state,
// every sweep and on Close. A spent token therefore never comes back after
// a restart. The snapshot is otherwise best-effort: an unreadable or
// corrupted file resets the store to empty, and unconsumed tokens saved
// since the last write are lost.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record
	snapshot string
	logger   *slog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSnapshot persists the store to path.
func WithSnapshot(path string) MemoryOption {
	return func(s *MemoryStore) { s.snapshot = path }
}

// WithLogger sets the logger for snapshot problems.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// NewMemoryStore creates a MemoryStore and loads its snapshot, if any.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.snapshot != "" {
		s.load()
	}
	return s
}

// Save stores a new record.
func (s *MemoryStore) Save(_ context.Context, r Record) error {
	if r.Hash == "" || r.UserID == "" {
		return oops.Code("VERIFICATION_SAVE_FAILED").Errorf("hash and user id are required")
	}
	s.mu.Lock()
	s.records[r.Hash] = r
	s.mu.Unlock()
	return nil
}

// Consume applies the redemption rules to hash atomically.
func (s *MemoryStore) Consume(_ context.Context, hash string, now time.Time) (Record, Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[hash]
	if !ok {
		return Record{}, NotFound, nil
	}
	outcome, purge := Decide(r, now)
	if purge {
		delete(s.records, hash)
	} else {
		r.Used = true
		s.records[hash] = r
	}
	s.persistLocked()
	return r, outcome, nil
}

// Sweep deletes used and expired records. A record whose key does not match
// its hash, or that has no user, means the map was corrupted; Sweep then
// reports ErrCorrupted without deleting anything.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	n := 0
	for key, r := range s.records {
		if key != r.Hash || r.UserID == "" {
			s.mu.Unlock()
			return 0, oops.Code("VERIFICATION_STORE_CORRUPTED").With("hash", key).Wrap(ErrCorrupted)
		}
	}
	for key, r := range s.records {
		if r.Evictable(now) {
			delete(s.records, key)
			n++
		}
	}
	s.persistLocked()
	s.mu.Unlock()
	return n, nil
}

// Reset deletes every record and the snapshot.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)

	if s.snapshot != "" {
		if err := os.Remove(s.snapshot); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return oops.Code("VERIFICATION_RESET_FAILED").With("path", s.snapshot).Wrap(err)
		}
	}
	return nil
}

// Len returns the number of stored records, including used tombstones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close writes the final snapshot.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.copyLocked())
}

func (s *MemoryStore) copyLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

func (s *MemoryStore) load() {
	data, err := os.ReadFile(s.snapshot)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("verification snapshot unreadable, starting empty", "path", s.snapshot, "error", err)
		return
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("verification snapshot corrupted, starting empty", "path", s.snapshot, "error", err)
		//nolint:errcheck // best effort; next write replaces it anyway
		os.Remove(s.snapshot)
		return
	}
	for _, r := range records {
		if r.Hash == "" || r.UserID == "" {
			s.logger.Warn("verification snapshot has invalid record, starting empty", "path", s.snapshot)
			s.records = make(map[string]Record)
			return
		}
		s.records[r.Hash] = r
	}
	s.logger.Debug("verification snapshot loaded", "path", s.snapshot, "records", len(records))
}

func (s *MemoryStore) persistLocked() {
	if s.snapshot == "" {
		return
	}
	if err := s.write(s.copyLocked()); err != nil {
		s.logger.Warn("verification snapshot not written", "path", s.snapshot, "error", err)
	}
}

// write replaces the snapshot atomically via a temp file and rename. The
// caller holds s.mu.
func (s *MemoryStore) write(records []Record) error {
	if s.snapshot == "" {
		return nil
	}
	if err := xdg.EnsureDir(filepath.Dir(s.snapshot)); err != nil {
		return err
	}
	data, err := json.Marshal(records)
	if err != nil {
		return oops.Code("VERIFICATION_SNAPSHOT_FAILED").Wrap(err)
	}
	tmp := s.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return oops.Code("VERIFICATION_SNAPSHOT_FAILED").With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, s.snapshot); err != nil {
		return oops.Code("VERIFICATION_SNAPSHOT_FAILED").With("path", s.snapshot).Wrap(err)
	}
	return nil
}

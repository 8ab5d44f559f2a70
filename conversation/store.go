/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound indicates the record id does not exist in the store.
	ErrNotFound = errors.New("conversation not found")

	// ErrVersionConflict indicates a concurrent writer advanced the
	// record between this writer's read and write.
	ErrVersionConflict = errors.New("conversation version conflict")
)

// Store is the remote entity store surface this package needs. Update must
// be optimistic-concurrency-checked: of two writers racing from the same
// prior version, at most one may succeed.
type Store interface {
	GetByID(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) (*Record, error)
}

// MemoryStore is a version-checked in-memory Store used by tests and
// local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Put seeds a record, overwriting any prior entry and resetting its
// version stamp.
func (s *MemoryStore) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec.Clone()
	stored.Version = 1
	s.records[stored.ID] = stored
}

// GetByID returns a clone of the stored record.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("getting conversation %q: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

// Update persists rec if its version matches the stored record, bumping
// the version stamp. Returns the stored state after the write.
func (s *MemoryStore) Update(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return nil, fmt.Errorf("updating conversation %q: %w", rec.ID, ErrNotFound)
	}
	if stored.Version != rec.Version {
		return nil, fmt.Errorf("updating conversation %q at version %d (stored %d): %w",
			rec.ID, rec.Version, stored.Version, ErrVersionConflict)
	}
	next := rec.Clone()
	next.Version = stored.Version + 1
	s.records[rec.ID] = next
	return next.Clone(), nil
}

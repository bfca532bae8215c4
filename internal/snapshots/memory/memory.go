package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"statguard/internal/core"
	"statguard/internal/snapshots"
)

type Store struct {
	mu        sync.Mutex
	history   []core.Snapshot
	revisions []int64
	records   []core.DerivationRecord
}

func New(initial ...core.Snapshot) *Store {
	s := &Store{}
	for _, snap := range initial {
		if !snap.IsZero() {
			s.history = append(s.history, snap)
			s.revisions = append(s.revisions, 0)
		}
	}
	return s
}

// NewFromFile seeds the store with the snapshot stored at path. A missing
// file yields an empty store.
func NewFromFile(path string) (*Store, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed snapshot: %w", err)
	}
	snap, err := core.NewSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("parse seed snapshot %s: %w", path, err)
	}
	return New(snap), nil
}

// Get returns the snapshot target steps behind the newest one.
func (s *Store) Get(ctx context.Context, target snapshots.Target) (core.Snapshot, error) {
	v, err := s.GetVersion(ctx, target)
	return v.Snapshot, err
}

// GetVersion returns the snapshot at target and its 1-based position.
func (s *Store) GetVersion(_ context.Context, target snapshots.Target) (snapshots.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index(target)
	if !ok {
		return snapshots.Version{}, snapshots.ErrNotFound
	}
	return s.version(i), nil
}

// Replace overwrites the newest snapshot while it is still base.
func (s *Store) Replace(_ context.Context, base snapshots.Version, snap core.Snapshot) (snapshots.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return snapshots.Version{}, snapshots.ErrNotFound
	}
	i := len(s.history) - 1
	if base.ID != int64(i+1) || base.Revision != s.revisions[i] {
		return snapshots.Version{}, snapshots.ErrConflict
	}
	s.history[i] = snap
	s.revisions[i]++
	return s.version(i), nil
}

// Append adds snap as the newest snapshot and returns its 1-based position.
func (s *Store) Append(_ context.Context, snap core.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, snap)
	s.revisions = append(s.revisions, 0)
	return int64(len(s.history)), nil
}

// RecordDerivation keeps rec in memory.
func (s *Store) RecordDerivation(_ context.Context, rec core.DerivationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Derivations returns the recorded engine passes, oldest first.
func (s *Store) Derivations() []core.DerivationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.DerivationRecord(nil), s.records...)
}

// Len returns the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *Store) version(i int) snapshots.Version {
	return snapshots.Version{ID: int64(i + 1), Revision: s.revisions[i], Snapshot: s.history[i]}
}

func (s *Store) index(target snapshots.Target) (int, bool) {
	i := len(s.history) - 1 - int(target)
	if target < 0 || i < 0 {
		return 0, false
	}
	return i, true
}

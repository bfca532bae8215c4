package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"statguard/internal/derive"
	"statguard/internal/eventbus"
	"statguard/internal/log"
	"statguard/internal/snapshots"
)

var ErrNoSnapshot = errors.New("no snapshot stored")

// DerivationService runs the derivation engine against a snapshot store.
// Every pass holds a single lock, so a pass never starts before the
// previous one has written its result.
type DerivationService struct {
	mu       sync.Mutex
	store    snapshots.Store
	recorder snapshots.DerivationRecorder
}

func NewDerivationService(store snapshots.Store) *DerivationService {
	s := &DerivationService{store: store}
	if rec, ok := store.(snapshots.DerivationRecorder); ok {
		s.recorder = rec
	}
	return s
}

// HandleTransition corrects the new state of t and stores it as the latest
// snapshot. Nothing is written when derivation fails.
func (s *DerivationService) HandleTransition(ctx context.Context, t eventbus.Transition) (derive.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := derive.Derive(t.Old, t.New)
	if err != nil {
		return derive.Result{}, fmt.Errorf("derive transition %s: %w", t.ID, err)
	}

	id, err := s.store.Append(ctx, result.Snapshot)
	if err != nil {
		return derive.Result{}, fmt.Errorf("store derived snapshot: %w", err)
	}

	s.record(ctx, result, id)
	logResult(ctx, "Transition derived", result, log.NewFields().
		WithOperation(log.OpTransition).
		With(log.FieldTransitionID, t.ID).
		With(log.FieldSnapshotID, id))
	return result, nil
}

// OnTransition adapts HandleTransition to eventbus.Handler.
func (s *DerivationService) OnTransition(ctx context.Context, t eventbus.Transition) error {
	_, err := s.HandleTransition(ctx, t)
	return err
}

// Recompute re-derives the latest snapshot against the one before it, or
// against itself when there is no earlier snapshot, and replaces it.
func (s *DerivationService) Recompute(ctx context.Context) (derive.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latest(ctx)
	if err != nil {
		return derive.Result{}, err
	}

	previous, err := s.store.Get(ctx, snapshots.Previous)
	if errors.Is(err, snapshots.ErrNotFound) {
		previous = latest.Snapshot
	} else if err != nil {
		return derive.Result{}, fmt.Errorf("get previous snapshot: %w", err)
	}

	result, err := derive.Recompute(previous, latest.Snapshot)
	if err != nil {
		return derive.Result{}, fmt.Errorf("recompute: %w", err)
	}

	// Another writer sharing the store may have appended since latest was
	// read; Replace then fails with snapshots.ErrConflict.
	if _, err := s.store.Replace(ctx, latest, result.Snapshot); err != nil {
		return derive.Result{}, fmt.Errorf("replace latest snapshot: %w", err)
	}

	s.record(ctx, result, latest.ID)
	logResult(ctx, "Latest snapshot recomputed", result, log.NewFields().
		WithOperation(log.OpRecompute).
		With(log.FieldSnapshotID, latest.ID))
	return result, nil
}

func (s *DerivationService) latest(ctx context.Context) (snapshots.Version, error) {
	latest, err := s.store.GetVersion(ctx, snapshots.Latest)
	if errors.Is(err, snapshots.ErrNotFound) {
		return snapshots.Version{}, ErrNoSnapshot
	}
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("get latest snapshot: %w", err)
	}
	return latest, nil
}

// record keeps the audit trail. A failure here does not undo the pass.
func (s *DerivationService) record(ctx context.Context, result derive.Result, snapshotID int64) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordDerivation(ctx, result.Record(snapshotID)); err != nil {
		slog.WarnContext(ctx, "Failed to record derivation", "kind", result.Report.Kind, "error", err)
	}
}

func logResult(ctx context.Context, msg string, r derive.Result, extra log.LogFields) {
	fields := log.NewFields().
		WithDerivation(string(r.Report.Kind), string(r.Report.Cash.Mode), r.Report.Cash.MonthsCrossed,
			r.Report.Cash.NewCash.String(), len(r.Report.Entries), len(r.Patches)).
		WithAge(r.Report.Age)
	for k, v := range extra {
		fields[k] = v
	}
	if r.Report.AgeRejected {
		log.FromContext(ctx).WarnContext(ctx, "Age left unchanged, dates unusable")
	}
	log.LogDerivation(ctx, msg, fields)
}

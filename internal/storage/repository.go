package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"statguard/internal/cache"
	"statguard/internal/core"
	"statguard/internal/snapshots"

	_ "modernc.org/sqlite"
)

// SQLiteRepository keeps the snapshot history and the derivation audit
// trail in a SQLite database. Several processes may share the file.
type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	cache   cache.Cache[CacheKey, core.Snapshot]
}

// CacheKey identifies one stored revision of one snapshot row. A row that is
// replaced gets a new key, so cached documents never go stale.
type CacheKey struct {
	ID       int64
	Revision int64
}

// Option configures a SQLiteRepository.
type Option func(*SQLiteRepository)

// WithCache keeps decoded documents in c. Every read still resolves the
// target against the database.
func WithCache(c cache.Cache[CacheKey, core.Snapshot]) Option {
	return func(r *SQLiteRepository) { r.cache = c }
}

func NewSQLiteRepository(dbPath string, opts ...Option) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// The API and the worker may write the same file; wait for locks
	// instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	repo := &SQLiteRepository{
		db:      db,
		queries: NewQueries(db),
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Get implements snapshots.Fetcher
func (r *SQLiteRepository) Get(ctx context.Context, target snapshots.Target) (core.Snapshot, error) {
	v, err := r.GetVersion(ctx, target)
	return v.Snapshot, err
}

// GetVersion implements snapshots.VersionFetcher
func (r *SQLiteRepository) GetVersion(ctx context.Context, target snapshots.Target) (snapshots.Version, error) {
	if target < 0 {
		return snapshots.Version{}, snapshots.ErrNotFound
	}

	head, err := r.queries.GetSnapshotHeadAt(ctx, int64(target))
	if errors.Is(err, sql.ErrNoRows) {
		return snapshots.Version{}, snapshots.ErrNotFound
	}
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("locate %s snapshot: %w", target, err)
	}

	key := CacheKey{ID: head.ID, Revision: head.Revision}
	if r.cache != nil {
		if snap, ok := r.cache.Get(key); ok {
			return snapshots.Version{ID: key.ID, Revision: key.Revision, Snapshot: snap}, nil
		}
	}

	row, err := r.queries.GetSnapshot(ctx, head.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshots.Version{}, snapshots.ErrNotFound
	}
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("get snapshot %d: %w", head.ID, err)
	}

	snap, err := core.NewSnapshot([]byte(row.Payload))
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("decode snapshot %d: %w", row.ID, err)
	}
	if r.cache != nil {
		// Keyed by the revision actually read, which may be newer than head.
		r.cache.Set(CacheKey{ID: row.ID, Revision: row.Revision}, snap)
	}
	return snapshots.Version{ID: row.ID, Revision: row.Revision, Snapshot: snap}, nil
}

// Replace implements snapshots.Replacer. The update only applies while base
// is the newest row at the revision it was read at.
func (r *SQLiteRepository) Replace(ctx context.Context, base snapshots.Version, snap core.Snapshot) (snapshots.Version, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	n, err := q.ReplaceLatestSnapshot(ctx, ReplaceLatestSnapshotParams{
		Payload:  snap.String(),
		ID:       base.ID,
		Revision: base.Revision,
	})
	if err != nil {
		return snapshots.Version{}, fmt.Errorf("update snapshot %d: %w", base.ID, err)
	}
	if n == 0 {
		count, err := q.CountSnapshots(ctx)
		if err != nil {
			return snapshots.Version{}, fmt.Errorf("count snapshots: %w", err)
		}
		if count == 0 {
			return snapshots.Version{}, snapshots.ErrNotFound
		}
		return snapshots.Version{}, fmt.Errorf("replace snapshot %d revision %d: %w", base.ID, base.Revision, snapshots.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return snapshots.Version{}, fmt.Errorf("commit snapshot %d: %w", base.ID, err)
	}

	replaced := snapshots.Version{ID: base.ID, Revision: base.Revision + 1, Snapshot: snap}
	if r.cache != nil {
		r.cache.Delete(CacheKey{ID: base.ID, Revision: base.Revision})
		r.cache.Set(CacheKey{ID: replaced.ID, Revision: replaced.Revision}, snap)
	}

	slog.InfoContext(ctx, "Snapshot replaced", "id", replaced.ID, "revision", replaced.Revision)
	return replaced, nil
}

// Append implements snapshots.Appender
func (r *SQLiteRepository) Append(ctx context.Context, snap core.Snapshot) (int64, error) {
	id, err := r.queries.InsertSnapshot(ctx, snap.String())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}

	slog.InfoContext(ctx, "Snapshot saved to SQLite", "id", id, "bytes", len(snap.String()))
	return id, nil
}

// RecordDerivation implements snapshots.DerivationRecorder
func (r *SQLiteRepository) RecordDerivation(ctx context.Context, rec core.DerivationRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var age sql.NullInt64
	if rec.Age != nil {
		age = sql.NullInt64{Int64: int64(*rec.Age), Valid: true}
	}

	err := r.queries.InsertDerivation(ctx, InsertDerivationParams{
		Kind:          string(rec.Kind),
		SnapshotID:    rec.SnapshotID,
		MonthsCrossed: int64(rec.MonthsCrossed),
		CashMode:      string(rec.CashMode),
		OldCash:       rec.OldCash.String(),
		NewCash:       rec.NewCash.String(),
		Age:           age,
		Entries:       int64(rec.Entries),
		CreatedAt:     createdAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("record derivation: %w", err)
	}
	return nil
}

// CountDerivations returns the number of recorded engine passes.
func (r *SQLiteRepository) CountDerivations(ctx context.Context) (int64, error) {
	n, err := r.queries.CountDerivations(ctx)
	if err != nil {
		return 0, fmt.Errorf("count derivations: %w", err)
	}
	return n, nil
}

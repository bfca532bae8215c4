package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"statguard/internal/cache"
	"statguard/internal/core"
	"statguard/internal/snapshots"
)

func newTestRepository(t *testing.T, opts ...Option) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "data", "statguard.db"), opts...)
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepositoryHistory(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	if _, err := repo.Get(ctx, snapshots.Latest); !errors.Is(err, snapshots.ErrNotFound) {
		t.Fatalf("empty Get error = %v", err)
	}
	if _, err := repo.Replace(ctx, snapshots.Version{ID: 1}, core.MustSnapshot(`{}`)); !errors.Is(err, snapshots.ErrNotFound) {
		t.Fatalf("empty Replace error = %v", err)
	}

	firstID, err := repo.Append(ctx, core.MustSnapshot(`{"n":1}`))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	secondID, err := repo.Append(ctx, core.MustSnapshot(`{"n":2,"公司账户":{"_现金":"1650"}}`))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if secondID <= firstID {
		t.Errorf("ids not increasing: %d then %d", firstID, secondID)
	}

	latest, err := repo.Get(ctx, snapshots.Latest)
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if latest.Get("n").Int() != 2 || latest.Get("公司账户._现金").String() != "1650" {
		t.Errorf("latest = %s", latest)
	}
	prev, err := repo.Get(ctx, snapshots.Previous)
	if err != nil || prev.Get("n").Int() != 1 {
		t.Errorf("previous = %s, err = %v", prev, err)
	}

	base, err := repo.GetVersion(ctx, snapshots.Latest)
	if err != nil || base.ID != secondID || base.Revision != 0 {
		t.Fatalf("GetVersion = %+v, err = %v", base, err)
	}
	replaced, err := repo.Replace(ctx, base, core.MustSnapshot(`{"n":3}`))
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if replaced.ID != secondID || replaced.Revision != 1 {
		t.Errorf("replaced version = %+v", replaced)
	}
	latest, _ = repo.Get(ctx, snapshots.Latest)
	prev, _ = repo.Get(ctx, snapshots.Previous)
	if latest.Get("n").Int() != 3 || prev.Get("n").Int() != 1 {
		t.Errorf("after replace latest=%s previous=%s", latest, prev)
	}
}

func TestSQLiteRepositoryCacheFollowsWrites(t *testing.T) {
	ctx := context.Background()
	lru := cache.NewLRUCache[CacheKey, core.Snapshot](4, time.Minute)
	repo := newTestRepository(t, WithCache(lru))

	if _, err := repo.Append(ctx, core.MustSnapshot(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := repo.Get(ctx, snapshots.Latest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if lru.Size() != 1 {
		t.Fatalf("cache size = %d, want 1", lru.Size())
	}
	if _, err := repo.Get(ctx, snapshots.Latest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if hits, _ := lru.Stats(); hits != 1 {
		t.Errorf("second read should be served from cache, hits = %d", hits)
	}

	if _, err := repo.Append(ctx, core.MustSnapshot(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	latest, _ := repo.Get(ctx, snapshots.Latest)
	if latest.Get("n").Int() != 2 {
		t.Errorf("stale latest served: %s", latest)
	}

	base, _ := repo.GetVersion(ctx, snapshots.Latest)
	if _, err := repo.Replace(ctx, base, core.MustSnapshot(`{"n":3}`)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	latest, _ = repo.Get(ctx, snapshots.Latest)
	if latest.Get("n").Int() != 3 {
		t.Errorf("stale latest served after replace: %s", latest)
	}
}

// appendingCache appends to repo the first time a document is stored, so a
// write lands between a read and its cache fill.
type appendingCache struct {
	*cache.LRUCache[CacheKey, core.Snapshot]
	repo     *SQLiteRepository
	appended bool
}

func (c *appendingCache) Set(key CacheKey, snap core.Snapshot) {
	if !c.appended {
		c.appended = true
		_, _ = c.repo.Append(context.Background(), core.MustSnapshot(`{"v":2}`))
	}
	c.LRUCache.Set(key, snap)
}

func TestSQLiteRepositoryCacheFillRacingAppend(t *testing.T) {
	ctx := context.Background()
	c := &appendingCache{LRUCache: cache.NewLRUCache[CacheKey, core.Snapshot](4, time.Minute)}
	repo := newTestRepository(t, WithCache(c))
	c.repo = repo

	if _, err := repo.Append(ctx, core.MustSnapshot(`{"v":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := repo.Get(ctx, snapshots.Latest); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !c.appended {
		t.Fatal("cache fill did not run")
	}

	latest, err := repo.Get(ctx, snapshots.Latest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if latest.Get("v").Int() != 2 {
		t.Errorf("latest after append = %s, want v=2", latest)
	}
}

func TestSQLiteRepositorySharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	open := func() *SQLiteRepository {
		repo, err := NewSQLiteRepository(path, WithCache(cache.NewLRUCache[CacheKey, core.Snapshot](4, time.Minute)))
		if err != nil {
			t.Fatalf("NewSQLiteRepository: %v", err)
		}
		t.Cleanup(func() { repo.Close() })
		return repo
	}
	api, worker := open(), open()

	if _, err := worker.Append(ctx, core.MustSnapshot(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	base, err := api.GetVersion(ctx, snapshots.Latest)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}

	if _, err := worker.Append(ctx, core.MustSnapshot(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if latest, _ := api.Get(ctx, snapshots.Latest); latest.Get("n").Int() != 2 {
		t.Errorf("other process append not visible: %s", latest)
	}

	if _, err := api.Replace(ctx, base, core.MustSnapshot(`{"n":99}`)); !errors.Is(err, snapshots.ErrConflict) {
		t.Fatalf("Replace of superseded row error = %v, want conflict", err)
	}
	if latest, _ := worker.Get(ctx, snapshots.Latest); latest.Get("n").Int() != 2 {
		t.Errorf("accepted snapshot overwritten: %s", latest)
	}

	fresh, _ := api.GetVersion(ctx, snapshots.Latest)
	if _, err := worker.Replace(ctx, fresh, core.MustSnapshot(`{"n":3}`)); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := api.Replace(ctx, fresh, core.MustSnapshot(`{"n":4}`)); !errors.Is(err, snapshots.ErrConflict) {
		t.Errorf("Replace of stale revision error = %v, want conflict", err)
	}
	if latest, _ := api.Get(ctx, snapshots.Latest); latest.Get("n").Int() != 3 {
		t.Errorf("latest = %s, want n=3", latest)
	}
}

func TestSQLiteRepositoryRecordDerivation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	age := 22
	recs := []core.DerivationRecord{
		{Kind: core.KindTransition, SnapshotID: 1, MonthsCrossed: 2, CashMode: core.CashAccrued,
			OldCash: decimal.NewFromInt(1000), NewCash: decimal.NewFromInt(1650), Age: &age, Entries: 2},
		{Kind: core.KindManual, SnapshotID: 1, CashMode: core.CashSimplified},
	}
	for _, rec := range recs {
		if err := repo.RecordDerivation(ctx, rec); err != nil {
			t.Fatalf("RecordDerivation(%s): %v", rec.Kind, err)
		}
	}
	n, err := repo.CountDerivations(ctx)
	if err != nil || n != 2 {
		t.Errorf("CountDerivations() = %d, %v", n, err)
	}
}

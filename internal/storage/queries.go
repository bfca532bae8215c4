package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the statements used by the repository.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const getSnapshotHeadAt = `
SELECT id, revision FROM snapshots
ORDER BY id DESC
LIMIT 1 OFFSET ?
`

type SnapshotHead struct {
	ID       int64
	Revision int64
}

func (q *Queries) GetSnapshotHeadAt(ctx context.Context, offset int64) (SnapshotHead, error) {
	var head SnapshotHead
	err := q.db.QueryRowContext(ctx, getSnapshotHeadAt, offset).Scan(&head.ID, &head.Revision)
	return head, err
}

const getSnapshot = `
SELECT id, revision, payload FROM snapshots
WHERE id = ?
`

type SnapshotRow struct {
	ID       int64
	Revision int64
	Payload  string
}

func (q *Queries) GetSnapshot(ctx context.Context, id int64) (SnapshotRow, error) {
	var row SnapshotRow
	err := q.db.QueryRowContext(ctx, getSnapshot, id).Scan(&row.ID, &row.Revision, &row.Payload)
	return row, err
}

const insertSnapshot = `
INSERT INTO snapshots (payload) VALUES (?)
`

func (q *Queries) InsertSnapshot(ctx context.Context, payload string) (int64, error) {
	res, err := q.db.ExecContext(ctx, insertSnapshot, payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const replaceLatestSnapshot = `
UPDATE snapshots
SET payload = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND revision = ? AND id = (SELECT MAX(id) FROM snapshots)
`

type ReplaceLatestSnapshotParams struct {
	Payload  string
	ID       int64
	Revision int64
}

// ReplaceLatestSnapshot updates the row only while it is the newest one and
// still at the given revision. It returns the number of rows changed.
func (q *Queries) ReplaceLatestSnapshot(ctx context.Context, arg ReplaceLatestSnapshotParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, replaceLatestSnapshot, arg.Payload, arg.ID, arg.Revision)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const countSnapshots = `
SELECT COUNT(*) FROM snapshots
`

func (q *Queries) CountSnapshots(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countSnapshots).Scan(&n)
	return n, err
}

const insertDerivation = `
INSERT INTO derivations (
    kind, snapshot_id, months_crossed, cash_mode, old_cash, new_cash, age, entries, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type InsertDerivationParams struct {
	Kind          string
	SnapshotID    int64
	MonthsCrossed int64
	CashMode      string
	OldCash       string
	NewCash       string
	Age           sql.NullInt64
	Entries       int64
	CreatedAt     string
}

func (q *Queries) InsertDerivation(ctx context.Context, arg InsertDerivationParams) error {
	_, err := q.db.ExecContext(ctx, insertDerivation,
		arg.Kind,
		arg.SnapshotID,
		arg.MonthsCrossed,
		arg.CashMode,
		arg.OldCash,
		arg.NewCash,
		arg.Age,
		arg.Entries,
		arg.CreatedAt,
	)
	return err
}

const countDerivations = `
SELECT COUNT(*) FROM derivations
`

func (q *Queries) CountDerivations(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countDerivations).Scan(&n)
	return n, err
}

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashMode says how the company cash of a derived snapshot was produced.
type CashMode string

const (
	CashAccrued    CashMode = "accrued"    // accrual recurrence applied
	CashCarried    CashMode = "carried"    // inputs incomplete, previous value copied forward
	CashSimplified CashMode = "simplified" // manual path without usable dates
	CashUntouched  CashMode = "untouched"  // no previous value, field left as written
)

// DerivationKind distinguishes the two entry points that run the engine.
type DerivationKind string

const (
	KindTransition DerivationKind = "transition"
	KindManual     DerivationKind = "manual"
)

// DerivationRecord is the audit trail of one engine pass.
type DerivationRecord struct {
	Kind          DerivationKind
	SnapshotID    int64
	MonthsCrossed int
	CashMode      CashMode
	OldCash       decimal.Decimal
	NewCash       decimal.Decimal
	Age           *int
	Entries       int
	CreatedAt     time.Time
}

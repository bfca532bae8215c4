package derive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"statguard/internal/core"
)

// ErrNoSnapshot is returned when the snapshot to correct is empty.
var ErrNoSnapshot = errors.New("no snapshot to derive")

// Patch overwrites the value at Path with the raw JSON Value.
type Patch struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// CashReport describes how the company cash was produced.
type CashReport struct {
	Mode          core.CashMode   `json:"mode"`
	MonthsCrossed int             `json:"months_crossed"`
	OldCash       decimal.Decimal `json:"old_cash"`
	OneTimeChange decimal.Decimal `json:"one_time_change"`
	FixedCost     decimal.Decimal `json:"fixed_cost"`
	TotalMargin   decimal.Decimal `json:"total_margin"`
	NewCash       decimal.Decimal `json:"new_cash"`
}

// EntryReport describes the margin computed for one entry.
type EntryReport struct {
	Name         string          `json:"name"`
	MonthlySales decimal.Decimal `json:"monthly_sales"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CostRatio    decimal.Decimal `json:"cost_ratio"`
	Margin       decimal.Decimal `json:"monthly_margin"`
	RatioClamped bool            `json:"ratio_clamped,omitempty"`
}

// Report summarises one engine pass.
type Report struct {
	Kind core.DerivationKind `json:"kind"`
	// Age is nil when the age was not derived.
	Age *int `json:"age,omitempty"`
	// AgeRejected is set when both dates were present but produced no age.
	AgeRejected bool          `json:"age_rejected,omitempty"`
	Cash        CashReport    `json:"cash"`
	Entries     []EntryReport `json:"entries"`
}

// Result is the outcome of an engine pass: the corrected snapshot and the
// patches that turned the input into it.
type Result struct {
	Snapshot core.Snapshot `json:"snapshot"`
	Patches  []Patch       `json:"patches"`
	Report   Report        `json:"report"`
}

// Record converts the result into an audit record for the stored snapshot.
func (r Result) Record(snapshotID int64) core.DerivationRecord {
	return core.DerivationRecord{
		Kind:          r.Report.Kind,
		SnapshotID:    snapshotID,
		MonthsCrossed: r.Report.Cash.MonthsCrossed,
		CashMode:      r.Report.Cash.Mode,
		OldCash:       r.Report.Cash.OldCash,
		NewCash:       r.Report.Cash.NewCash,
		Age:           r.Report.Age,
		Entries:       len(r.Report.Entries),
		CreatedAt:     time.Now().UTC(),
	}
}

// Derive corrects the derived fields of next after the transition from
// prev. Neither input is modified.
//
// Age and entry margins come from next alone. Cash is accrued from prev's
// balance using prev's fixed costs and entry margins, plus next's one-time
// change. When the dates do not allow accrual but prev has a balance, that
// balance is carried forward unchanged.
func Derive(prev, next core.Snapshot) (Result, error) {
	if next.IsZero() {
		return Result{}, ErrNoSnapshot
	}

	p := planner{report: Report{Kind: core.KindTransition, Entries: []EntryReport{}}}
	p.age(next)

	oldCash := prev.Get(core.PathCompanyCash)
	prevDate, prevOK := prev.Text(core.PathWorldDate)
	nextDate, nextOK := next.Text(core.PathWorldDate)
	switch {
	case prevOK && nextOK && oldCash.Exists():
		p.accrue(prev, next, core.Number(oldCash), MonthsCrossedBetween(prevDate, nextDate))
	case oldCash.Exists():
		p.carry(oldCash)
	default:
		p.report.Cash = CashReport{Mode: core.CashUntouched, NewCash: core.NumberAt(next, core.PathCompanyCash)}
	}

	p.margins(next)
	return p.finish(next)
}

// Recompute is the manual recomputation of latest against previous, where
// previous is whatever the store holds one step before latest. It differs
// from Derive on purpose:
//
//   - a missing previous balance counts as zero instead of being preserved;
//   - without usable dates the balance becomes latest's own balance plus the
//     one-time change.
//
// Callers without a previous snapshot pass latest twice, which crosses no
// month and leaves only the one-time change.
func Recompute(previous, latest core.Snapshot) (Result, error) {
	if latest.IsZero() {
		return Result{}, ErrNoSnapshot
	}

	p := planner{report: Report{Kind: core.KindManual, Entries: []EntryReport{}}}
	p.age(latest)

	prevDate, prevOK := previous.Text(core.PathWorldDate)
	latestDate, latestOK := latest.Text(core.PathWorldDate)
	if prevOK && latestOK {
		p.accrue(previous, latest, core.NumberAt(previous, core.PathCompanyCash), MonthsCrossedBetween(prevDate, latestDate))
	} else {
		current := core.NumberAt(latest, core.PathCompanyCash)
		oneTime := core.NumberAt(latest, core.PathOneTimeChange)
		cash := current.Add(oneTime)
		p.report.Cash = CashReport{
			Mode:          core.CashSimplified,
			OldCash:       current,
			OneTimeChange: oneTime,
			NewCash:       cash,
		}
		p.set(core.PathCompanyCash, cash)
	}

	p.margins(latest)
	return p.finish(latest)
}

// Apply writes patches into a copy of s.
func Apply(s core.Snapshot, patches []Patch) (core.Snapshot, error) {
	doc := s.Bytes()
	for _, patch := range patches {
		var err error
		doc, err = sjson.SetRawBytes(doc, patch.Path, patch.Value)
		if err != nil {
			return core.Snapshot{}, fmt.Errorf("apply patch %s: %w", patch.Path, err)
		}
	}
	return core.FromRaw(doc), nil
}

type planner struct {
	patches []Patch
	report  Report
}

func (p *planner) set(path string, v decimal.Decimal) {
	p.patches = append(p.patches, Patch{Path: path, Value: json.RawMessage(v.String())})
}

func (p *planner) age(s core.Snapshot) {
	current, ok := s.Text(core.PathWorldDate)
	if !ok {
		return
	}
	birthday, ok := s.Text(core.PathBirthday)
	if !ok {
		return
	}
	age, ok := Age(current, birthday)
	if !ok {
		p.report.AgeRejected = true
		return
	}
	p.report.Age = &age
	p.set(core.PathAge, decimal.NewFromInt(int64(age)))
}

func (p *planner) accrue(prev, next core.Snapshot, oldCash decimal.Decimal, months int) {
	fixed := FixedCostsFrom(prev)
	margins := EntryMarginsFrom(prev)
	oneTime := core.NumberAt(next, core.PathOneTimeChange)
	cash := Cash(oldCash, oneTime, months, fixed, margins)

	p.report.Cash = CashReport{
		Mode:          core.CashAccrued,
		MonthsCrossed: months,
		OldCash:       oldCash,
		OneTimeChange: oneTime,
		FixedCost:     fixed.Total(),
		TotalMargin:   decimal.Sum(decimal.Zero, margins...),
		NewCash:       cash,
	}
	p.set(core.PathCompanyCash, cash)
}

func (p *planner) carry(oldCash gjson.Result) {
	v := core.Number(oldCash)
	p.report.Cash = CashReport{Mode: core.CashCarried, OldCash: v, NewCash: v}
	p.patches = append(p.patches, Patch{Path: core.PathCompanyCash, Value: json.RawMessage(oldCash.Raw)})
}

func (p *planner) margins(s core.Snapshot) {
	s.Get(core.PathEntries).ForEach(func(key, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		name := key.String()
		sales := core.Number(entry.Get(core.EntryMonthlySales))
		price := core.Number(entry.Get(core.EntryUnitPrice))
		ratioValue := entry.Get(core.EntryCostRatio)
		ratio := core.Number(ratioValue)
		clamped := ClampRatio(ratio)
		margin := Margin(sales, price, ratio)

		er := EntryReport{Name: name, MonthlySales: sales, UnitPrice: price, CostRatio: clamped, Margin: margin}
		if ratioValue.Exists() && !clamped.Equal(ratio) {
			er.RatioClamped = true
			p.set(core.EntryPath(name, core.EntryCostRatio), clamped)
		}
		p.set(core.EntryPath(name, core.EntryMonthlyMargin), margin)
		p.report.Entries = append(p.report.Entries, er)
		return true
	})
}

func (p *planner) finish(s core.Snapshot) (Result, error) {
	out, err := Apply(s, p.patches)
	if err != nil {
		return Result{}, err
	}
	return Result{Snapshot: out, Patches: p.patches, Report: p.report}, nil
}

package services

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"statguard/internal/core"
	"statguard/internal/derive"
)

// EntrySummary is one revenue entry as stored.
type EntrySummary struct {
	Name          string          `json:"name"`
	MonthlySales  decimal.Decimal `json:"monthly_sales"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	CostRatio     decimal.Decimal `json:"cost_ratio"`
	MonthlyMargin decimal.Decimal `json:"monthly_margin"`
}

// CompanySummary is the read model of the latest snapshot's company account.
type CompanySummary struct {
	CurrentDate    string          `json:"current_date,omitempty"`
	Age            *int64          `json:"age,omitempty"`
	Cash           decimal.Decimal `json:"cash"`
	OneTimeChange  decimal.Decimal `json:"one_time_change"`
	Labor          decimal.Decimal `json:"labor_cost"`
	Rent           decimal.Decimal `json:"rent"`
	FixedCostTotal decimal.Decimal `json:"fixed_cost_total"`
	Entries        []EntrySummary  `json:"entries"`
	TotalMargin    decimal.Decimal `json:"total_margin"`
	// MonthlyNet is what one month boundary adds to the cash.
	MonthlyNet decimal.Decimal `json:"monthly_net"`
}

// Summary reads the company account of the latest snapshot.
func (s *DerivationService) Summary(ctx context.Context) (CompanySummary, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return CompanySummary{}, err
	}
	return Summarize(latest.Snapshot), nil
}

// Summarize builds the read model of snap. Missing numbers count as zero.
func Summarize(snap core.Snapshot) CompanySummary {
	fixed := derive.FixedCostsFrom(snap)
	sum := CompanySummary{
		Cash:           core.NumberAt(snap, core.PathCompanyCash),
		OneTimeChange:  core.NumberAt(snap, core.PathOneTimeChange),
		Labor:          fixed.Labor,
		Rent:           fixed.Rent,
		FixedCostTotal: fixed.Total(),
		Entries:        []EntrySummary{},
		TotalMargin:    derive.TotalMargin(snap),
	}
	if date, ok := snap.Text(core.PathWorldDate); ok {
		sum.CurrentDate = date
	}
	if age := snap.Get(core.PathAge); age.Exists() && age.Type == gjson.Number {
		v := age.Int()
		sum.Age = &v
	}

	snap.Get(core.PathEntries).ForEach(func(key, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		sum.Entries = append(sum.Entries, EntrySummary{
			Name:          key.String(),
			MonthlySales:  core.Number(entry.Get(core.EscapePathKey(core.EntryMonthlySales))),
			UnitPrice:     core.Number(entry.Get(core.EscapePathKey(core.EntryUnitPrice))),
			CostRatio:     core.Number(entry.Get(core.EscapePathKey(core.EntryCostRatio))),
			MonthlyMargin: core.Number(entry.Get(core.EscapePathKey(core.EntryMonthlyMargin))),
		})
		return true
	})
	sort.Slice(sum.Entries, func(i, j int) bool { return sum.Entries[i].Name < sum.Entries[j].Name })

	sum.MonthlyNet = sum.TotalMargin.Sub(sum.FixedCostTotal)
	return sum
}

package derive

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"statguard/internal/core"
)

var one = decimal.NewFromInt(1)

// FixedCosts are the recurring monthly costs of the company.
type FixedCosts struct {
	Labor decimal.Decimal
	Rent  decimal.Decimal
}

// Total is the monthly sum of all fixed costs.
func (f FixedCosts) Total() decimal.Decimal {
	return f.Labor.Add(f.Rent)
}

// ClampRatio forces a cost ratio into [0, 1].
func ClampRatio(r decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(r, decimal.Zero), one)
}

// Margin is the monthly gross margin of one entry:
// sales * price * (1 - ratio), with ratio clamped into [0, 1].
func Margin(sales, price, costRatio decimal.Decimal) decimal.Decimal {
	return sales.Mul(price).Mul(one.Sub(ClampRatio(costRatio)))
}

// Cash applies one transition to the company balance. The one-time change
// always applies; fixed costs and entry margins accrue once per month
// boundary crossed. Callers pass the rates recorded before the transition.
func Cash(oldCash, oneTimeChange decimal.Decimal, monthsCrossed int, fixed FixedCosts, margins []decimal.Decimal) decimal.Decimal {
	cash := oldCash.Add(oneTimeChange)
	if monthsCrossed < 1 {
		return cash
	}

	months := decimal.NewFromInt(int64(monthsCrossed))
	cash = cash.Sub(fixed.Total().Mul(months))
	cash = cash.Add(decimal.Sum(decimal.Zero, margins...).Mul(months))
	return cash
}

// FixedCostsFrom reads the fixed costs of s. Missing values count as zero.
func FixedCostsFrom(s core.Snapshot) FixedCosts {
	costs := s.Get(core.PathFixedCosts)
	return FixedCosts{
		Labor: core.Number(costs.Get(core.EscapePathKey(core.FixedCostLabor))),
		Rent:  core.Number(costs.Get(core.EscapePathKey(core.FixedCostRent))),
	}
}

// EntryMargins returns the recorded monthly margin of every entry of s that
// carries one, keyed by entry name.
func EntryMargins(s core.Snapshot) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	s.Get(core.PathEntries).ForEach(func(key, entry gjson.Result) bool {
		if !entry.IsObject() {
			return true
		}
		margin := entry.Get(core.EscapePathKey(core.EntryMonthlyMargin))
		if !margin.Exists() {
			return true
		}
		out[key.String()] = core.Number(margin)
		return true
	})
	return out
}

// EntryMarginsFrom is EntryMargins flattened for Cash.
func EntryMarginsFrom(s core.Snapshot) []decimal.Decimal {
	byName := EntryMargins(s)
	margins := make([]decimal.Decimal, 0, len(byName))
	for _, m := range byName {
		margins = append(margins, m)
	}
	return margins
}

// TotalMargin sums the recorded entry margins of s.
func TotalMargin(s core.Snapshot) decimal.Decimal {
	return decimal.Sum(decimal.Zero, EntryMarginsFrom(s)...)
}

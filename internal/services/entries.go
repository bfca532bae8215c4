package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/sjson"

	"statguard/internal/core"
	"statguard/internal/derive"
)

var (
	ErrInvalidEntry  = errors.New("invalid entry")
	ErrEntryNotFound = errors.New("entry not found")
)

// defaultCompany is written when an entry is saved into a snapshot that has
// no company account yet.
const defaultCompany = `{"运行项目":{},"固定成本":{"人力成本":0,"房租":0},"公账一次性变动":0,"_现金":0}`

// EntryInput holds the editable fields of one revenue entry.
type EntryInput struct {
	MonthlySales decimal.Decimal `json:"monthly_sales"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	CostRatio    decimal.Decimal `json:"cost_ratio"`
}

// Validate checks the cost ratio bounds.
func (in EntryInput) Validate() error {
	if in.CostRatio.LessThan(decimal.Zero) || in.CostRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: cost ratio %s must be between 0 and 1", ErrInvalidEntry, in.CostRatio)
	}
	return nil
}

// UpsertEntry writes the entry called name into the latest snapshot,
// replacing any entry with that name, and returns its computed margin.
func (s *DerivationService) UpsertEntry(ctx context.Context, name string, in EntryInput) (EntrySummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return EntrySummary{}, fmt.Errorf("%w: %w", ErrInvalidEntry, core.ErrEmptyEntryName)
	}
	if err := in.Validate(); err != nil {
		return EntrySummary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latest(ctx)
	if err != nil {
		return EntrySummary{}, err
	}

	doc := latest.Snapshot.Bytes()
	switch {
	case !latest.Snapshot.Get(core.PathCompany).IsObject():
		doc, err = sjson.SetRawBytes(doc, core.PathCompany, []byte(defaultCompany))
	case !latest.Snapshot.Get(core.PathEntries).IsObject():
		doc, err = sjson.SetRawBytes(doc, core.PathEntries, []byte(`{}`))
	}
	if err != nil {
		return EntrySummary{}, fmt.Errorf("prepare company account: %w", err)
	}

	margin := derive.Margin(in.MonthlySales, in.UnitPrice, in.CostRatio)
	entry, err := entryJSON(in, margin)
	if err != nil {
		return EntrySummary{}, err
	}
	doc, err = sjson.SetRawBytes(doc, core.EntryPath(name, ""), entry)
	if err != nil {
		return EntrySummary{}, fmt.Errorf("write entry %q: %w", name, err)
	}

	if _, err := s.store.Replace(ctx, latest, core.FromRaw(doc)); err != nil {
		return EntrySummary{}, fmt.Errorf("replace latest snapshot: %w", err)
	}

	slog.InfoContext(ctx, "Entry saved",
		"entry", name,
		"monthly_margin", margin.String())

	return EntrySummary{
		Name:          name,
		MonthlySales:  in.MonthlySales,
		UnitPrice:     in.UnitPrice,
		CostRatio:     in.CostRatio,
		MonthlyMargin: margin,
	}, nil
}

// DeleteEntry removes the entry called name from the latest snapshot.
func (s *DerivationService) DeleteEntry(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, core.ErrEmptyEntryName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latest(ctx)
	if err != nil {
		return err
	}

	path := core.EntryPath(name, "")
	if !latest.Snapshot.Get(path).Exists() {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	doc, err := sjson.DeleteBytes(latest.Snapshot.Bytes(), path)
	if err != nil {
		return fmt.Errorf("delete entry %q: %w", name, err)
	}
	if _, err := s.store.Replace(ctx, latest, core.FromRaw(doc)); err != nil {
		return fmt.Errorf("replace latest snapshot: %w", err)
	}

	slog.InfoContext(ctx, "Entry deleted", "entry", name)
	return nil
}

func entryJSON(in EntryInput, margin decimal.Decimal) ([]byte, error) {
	fields := []struct {
		key   string
		value decimal.Decimal
	}{
		{core.EntryMonthlySales, in.MonthlySales},
		{core.EntryUnitPrice, in.UnitPrice},
		{core.EntryCostRatio, in.CostRatio},
		{core.EntryMonthlyMargin, margin},
	}
	entry := []byte(`{}`)
	for _, f := range fields {
		var err error
		entry, err = sjson.SetRawBytes(entry, core.EscapePathKey(f.key), json.RawMessage(f.value.String()))
		if err != nil {
			return nil, fmt.Errorf("encode entry field %s: %w", f.key, err)
		}
	}
	return entry, nil
}

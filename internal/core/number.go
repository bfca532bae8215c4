// Package core provides the snapshot document and the value coercions the
// derivation engine applies to generated content.
//
// Generated content is loosely typed: numbers may arrive as JSON numbers, as
// strings, or not at all. Number converts any of these into an exact
// decimal without ever failing.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Number coerces a JSON value to a decimal.
//
//	12, "12", " 12 "  -> 12
//	"", "abc", null   -> 0
//	true / false      -> 1 / 0
//	objects, arrays   -> 0
func Number(r gjson.Result) decimal.Decimal {
	switch r.Type {
	case gjson.Number:
		return parseDecimal(r.Raw)
	case gjson.String:
		return parseDecimal(strings.TrimSpace(r.Str))
	case gjson.True:
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}

// NumberAt coerces the value found at path in s.
func NumberAt(s Snapshot, path string) decimal.Decimal {
	return Number(s.Get(path))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

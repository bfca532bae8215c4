// Package derive recomputes the read-only fields of a snapshot.
//
// The calculators in this package are pure and total: they never fail and
// never look outside their arguments. Derive and Recompute combine them into
// the two entry points of the engine.
package derive

import (
	"time"

	"statguard/internal/core"
)

// MonthsCrossed counts the first-of-month boundaries passed when moving
// from old to next. Every Date is a real day, including the zero value
// 0001-01-01. Moving backwards or standing still crosses nothing.
//
// When old falls on the 1st, the walk starts at old's own month, so the
// start date itself is counted as a crossing. Cash accrual depends on this
// count and it must stay as is.
func MonthsCrossed(old, next core.Date) int {
	if !next.After(old.Time) {
		return 0
	}

	cursor := time.Date(old.Year(), time.Month(old.Month()), 1, 0, 0, 0, 0, time.UTC)
	if old.Day() > 1 {
		cursor = cursor.AddDate(0, 1, 0)
	}
	last := time.Date(next.Year(), time.Month(next.Month()), 1, 0, 0, 0, 0, time.UTC)

	count := 0
	for !cursor.After(last) {
		count++
		cursor = cursor.AddDate(0, 1, 0)
	}
	return count
}

// MonthsCrossedBetween parses both strings and counts the boundaries
// between them. Unparsable input counts as zero.
func MonthsCrossedBetween(oldDate, newDate string) int {
	o, ok := core.ParseDate(oldDate)
	if !ok {
		return 0
	}
	n, ok := core.ParseDate(newDate)
	if !ok {
		return 0
	}
	return MonthsCrossed(o, n)
}

// Age returns the age in whole years on currentDate of someone born on
// birthday. It reports false when either date is unusable or the result
// would be negative.
func Age(currentDate, birthday string) (int, bool) {
	now, ok := core.ParseDate(currentDate)
	if !ok {
		return 0, false
	}
	born, ok := core.ParseDate(birthday)
	if !ok {
		return 0, false
	}

	age := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}

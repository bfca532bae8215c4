package core

import (
	"regexp"
	"strconv"
	"time"
)

var datePattern = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)

// Date is a calendar day. Only year, month and day are meaningful.
type Date struct {
	time.Time
}

// NewDate creates a Date from year, month (1-12) and day. Out-of-range
// values roll over the way time.Date does.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// Year returns the year
func (d Date) Year() int {
	return d.Time.Year()
}

// Month returns the month, 1-12
func (d Date) Month() int {
	return int(d.Time.Month())
}

// Day returns the day of the month
func (d Date) Day() int {
	return d.Time.Day()
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format("2006-01-02")
}

// ParseDate extracts the first YYYY-MM-DD found in s, ignoring any weekday
// or time text around it. It reports false for the placeholder, for an empty
// string and for strings without a date.
func ParseDate(s string) (Date, bool) {
	if s == "" || s == Placeholder {
		return Date{}, false
	}
	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return Date{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	return NewDate(year, month, day), true
}

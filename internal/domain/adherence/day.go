// Package adherence implements the proportion-of-days-covered engine:
// patient ledgers, per-drug coverage calendars and the adherence aggregate.
package adherence

import (
	"fmt"
	"time"
)

// DateLayout is the default textual layout for fill dates (month/day/year).
// Single-digit and zero-padded fields are both accepted when parsing.
const DateLayout = "1/2/2006"

const secondsPerDay = 24 * 60 * 60

// Day is a calendar date without a time component, stored as the number of
// days since 1970-01-01 UTC.
type Day int32

// NewDay returns the Day for the given calendar date.
func NewDay(year int, month time.Month, day int) Day {
	return Day(time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay)
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	return NewDay(t.Year(), t.Month(), t.Day())
}

// ParseDay parses s with layout and returns its calendar date.
func ParseDay(layout, s string) (Day, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Time returns midnight UTC of d.
func (d Day) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

// AddDays returns d shifted by n days.
func (d Day) AddDays(n int) Day {
	return d + Day(n)
}

// Format renders d with a time layout.
func (d Day) Format(layout string) string {
	return d.Time().Format(layout)
}

// String returns the ISO 8601 date.
func (d Day) String() string {
	return d.Format("2006-01-02")
}

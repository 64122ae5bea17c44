package model

import (
	"fmt"
	"time"
)

const DayLayout = "2006-01-02"

// Day is a calendar day in the user's zone at the moment of an event. It is
// stored as-is and never re-derived from a UTC instant later.
type Day string

// DayOf returns the calendar day of t in loc. A nil loc means time.Local.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.Local
	}
	return Day(t.In(loc).Format(DayLayout))
}

func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(DayLayout, s); err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day(s), nil
}

func (d Day) IsZero() bool {
	return d == ""
}

func (d Day) String() string {
	return string(d)
}

// Date returns midnight UTC of the day; only used for calendar arithmetic.
func (d Day) Date() time.Time {
	t, err := time.Parse(DayLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Day) AddDays(n int) Day {
	if d.IsZero() {
		return d
	}
	return Day(d.Date().AddDate(0, 0, n).Format(DayLayout))
}

func (d Day) Prev() Day {
	return d.AddDays(-1)
}

func (d Day) Next() Day {
	return d.AddDays(1)
}

// Before compares lexically, which matches chronological order for the layout.
func (d Day) Before(o Day) bool {
	return d < o
}

func (d Day) After(o Day) bool {
	return d > o
}

// Start returns the first instant of the day in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t := d.Date()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

package utils

import (
	"time"
)

// DefaultLocation is used when a configured timezone cannot be loaded.
var DefaultLocation = time.UTC

// LoadLocation resolves a timezone name, falling back to DefaultLocation.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return DefaultLocation
	}
	return loc
}

// IsBusinessDay reports whether t falls on Monday through Friday in loc.
func IsBusinessDay(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = DefaultLocation
	}
	switch t.In(loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// NextBusinessDay returns the start of the next business day after t in loc.
func NextBusinessDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = DefaultLocation
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	for !IsBusinessDay(next, loc) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

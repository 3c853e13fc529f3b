// Package clock pins "today" to a business time zone. Billing columns store calendar
// dates as UTC midnight so comparisons never depend on the host's local zone.
package clock

import (
	"fmt"
	"time"
)

// DefaultZone is the business zone used when none is configured.
const DefaultZone = "America/Sao_Paulo"

// Clock reports the current instant and the current calendar date in the pinned zone.
type Clock interface {
	Now() time.Time
	Today() time.Time
}

type zoned struct {
	loc *time.Location
	now func() time.Time
}

// New returns a wall clock pinned to loc.
func New(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return zoned{loc: loc, now: time.Now}
}

// Load resolves an IANA zone name and returns a clock pinned to it.
func Load(zone string) (Clock, error) {
	if zone == "" {
		zone = DefaultZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return New(loc), nil
}

// Fixed returns a clock frozen at instant t, read in loc.
func Fixed(t time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return zoned{loc: loc, now: func() time.Time { return t }}
}

func (c zoned) Now() time.Time {
	return c.now().In(c.loc)
}

func (c zoned) Today() time.Time {
	return DateOf(c.Now())
}

// DateOf truncates t to its calendar date (in t's own location) expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// AddDays shifts a calendar date by n days.
func AddDays(date time.Time, n int) time.Time {
	return DateOf(date).AddDate(0, 0, n)
}

// DaysBetween returns the number of whole days from a to b, negative when b precedes a.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

// Ptr returns a pointer to a copy of the date.
func Ptr(date time.Time) *time.Time {
	d := DateOf(date)
	return &d
}

// Format renders a date the way customer-facing messages show it.
func Format(date time.Time) string {
	return date.Format("02/01/2006")
}

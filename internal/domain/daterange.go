package domain

import (
	"fmt"
	"time"
)

// DayLayout is the calendar-day format used by the provider API and storage.
const DayLayout = "2006-01-02"

// DateRange is an inclusive range of calendar days. From and To are midnights in the sync timezone.
type DateRange struct {
	From time.Time
	To   time.Time
}

// NewDateRange truncates both ends to midnight in loc and checks ordering.
func NewDateRange(from, to time.Time, loc *time.Location) (DateRange, error) {
	r := DateRange{From: Midnight(from, loc), To: Midnight(to, loc)}
	if r.To.Before(r.From) {
		return DateRange{}, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, r.To.Format(DayLayout), r.From.Format(DayLayout))
	}
	return r, nil
}

// DefaultRange returns the days-long range ending yesterday relative to now in loc.
func DefaultRange(now time.Time, loc *time.Location, days int) DateRange {
	if days < 1 {
		days = 1
	}
	to := Midnight(now, loc).AddDate(0, 0, -1)
	return DateRange{From: to.AddDate(0, 0, -(days - 1)), To: to}
}

// ParseDay parses YYYY-MM-DD as midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, loc)
}

// Midnight returns the start of t's calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Days lists every day of the range in ascending order.
func (r DateRange) Days() []time.Time {
	var out []time.Time
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.End())
}

// End is the exclusive instant after the last day.
func (r DateRange) End() time.Time { return r.To.AddDate(0, 0, 1) }

func (r DateRange) String() string {
	return r.From.Format(DayLayout) + ".." + r.To.Format(DayLayout)
}

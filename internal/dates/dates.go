package dates

import (
	"fmt"
	"strings"
	"time"
)

// CalendarDate is a plain year/month/day value. All planner comparisons are
// date-only; time-of-day never enters coverage decisions.
type CalendarDate struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day"`
}

var monthAbbrev = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// New builds a normalized CalendarDate (overflow days roll into the next
// month, matching time.Date semantics).
func New(year int, month time.Month, day int) CalendarDate {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime truncates a time to its UTC calendar date.
func FromTime(t time.Time) CalendarDate {
	u := t.UTC()
	return CalendarDate{Year: u.Year(), Month: u.Month(), Day: u.Day()}
}

// Today returns the current wall-clock date. Callers that need determinism
// inject a fixed date instead of calling this.
func Today() CalendarDate {
	return FromTime(time.Now())
}

// Time returns the start-of-day instant in UTC.
func (d CalendarDate) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d CalendarDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Parse reads a D-Mon-YY or D-Mon-YYYY literal, e.g. "7-Nov-25".
func Parse(s string) (CalendarDate, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return CalendarDate{}, fmt.Errorf("invalid date literal %q", s)
	}
	var day, year int
	if _, err := fmt.Sscanf(parts[0], "%d", &day); err != nil || day < 1 || day > 31 {
		return CalendarDate{}, fmt.Errorf("invalid day in date literal %q", s)
	}
	month, ok := monthAbbrev[strings.ToLower(parts[1])]
	if !ok {
		return CalendarDate{}, fmt.Errorf("invalid month in date literal %q", s)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &year); err != nil || year < 0 {
		return CalendarDate{}, fmt.Errorf("invalid year in date literal %q", s)
	}
	if year < 100 {
		year += 2000
	}
	return CalendarDate{Year: year, Month: month, Day: day}, nil
}

// String renders the boundary literal form D-Mon-YY.
func (d CalendarDate) String() string {
	return fmt.Sprintf("%d-%s-%02d", d.Day, d.Month.String()[:3], d.Year%100)
}

// ISO renders the date as YYYY-MM-DD.
func (d CalendarDate) ISO() string {
	return d.Time().Format("2006-01-02")
}

// StartBound renders the inclusive start-of-day bound in ISO 8601.
func (d CalendarDate) StartBound() string {
	return d.Time().Format("2006-01-02T00:00:00Z")
}

// EndBound renders the inclusive end-of-day bound in ISO 8601.
func (d CalendarDate) EndBound() string {
	return d.Time().Format("2006-01-02") + "T23:59:59Z"
}

func (d CalendarDate) Before(o CalendarDate) bool { return d.Time().Before(o.Time()) }
func (d CalendarDate) After(o CalendarDate) bool  { return d.Time().After(o.Time()) }
func (d CalendarDate) Equal(o CalendarDate) bool  { return d == o }

// AddDays returns the date n days later (n may be negative).
func (d CalendarDate) AddDays(n int) CalendarDate {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// AddMonths returns the date n calendar months later.
func (d CalendarDate) AddMonths(n int) CalendarDate {
	return FromTime(d.Time().AddDate(0, n, 0))
}

// AddYears returns the date n calendar years later.
func (d CalendarDate) AddYears(n int) CalendarDate {
	return FromTime(d.Time().AddDate(n, 0, 0))
}

// DaysSince returns the whole days elapsed from o to d.
func (d CalendarDate) DaysSince(o CalendarDate) int {
	return int(d.Time().Sub(o.Time()).Hours() / 24)
}

// Window is an inclusive date range with Start <= End.
type Window struct {
	Start CalendarDate `json:"start"`
	End   CalendarDate `json:"end"`
}

// NewWindow validates ordering and returns the window.
func NewWindow(start, end CalendarDate) (Window, error) {
	if end.Before(start) {
		return Window{}, fmt.Errorf("window end %s before start %s", end, start)
	}
	return Window{Start: start, End: end}, nil
}

// Days enumerates every date in the window, in order.
func (w Window) Days() []CalendarDate {
	var out []CalendarDate
	for d := w.Start; !d.After(w.End); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Contains reports whether d falls inside the window.
func (w Window) Contains(d CalendarDate) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s:%s", w.Start, w.End)
}

package cultivation

import (
	"sync"
	"time"
)

// =============================================================================
// DAY - Calendar day used as the quota ledger key
// =============================================================================

// Day is a calendar date normalized to UTC midnight. Quota windows are
// counted in whole days, so RecordedOn never carries a clock time.
type Day struct {
	Time time.Time
}

const dayLayout = "2006-01-02"

func NewDay(year int, month time.Month, day int) Day {
	return Day{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day of t as observed in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return NewDay(lt.Year(), lt.Month(), lt.Day())
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, err
	}
	return Day{Time: t}, nil
}

// Comparison
func (d Day) Before(o Day) bool        { return d.Time.Before(o.Time) }
func (d Day) After(o Day) bool         { return d.Time.After(o.Time) }
func (d Day) Equal(o Day) bool         { return d.Time.Equal(o.Time) }
func (d Day) BeforeOrEqual(o Day) bool { return !d.After(o) }
func (d Day) AfterOrEqual(o Day) bool  { return !d.Before(o) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{Time: d.Time.AddDate(0, 0, n)} }

func (d Day) IsZero() bool   { return d.Time.IsZero() }
func (d Day) String() string { return d.Time.Format(dayLayout) }

// WeekWindow returns the trailing seven-day window [d-6, d], inclusive.
func (d Day) WeekWindow() (from, to Day) { return d.AddDays(-6), d }

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts "now" so quota windows and timestamps are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// FixedClock is a settable clock for tests and replays.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{now: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

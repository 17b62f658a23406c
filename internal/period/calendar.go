// Package period converts date ranges into canonical, gap-free sequences of
// day / ISO-week / month keys and maps timestamps onto those keys.
package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/aura-webinar/engagement/internal/apperr"
)

// Granularity is the calendar unit a report is bucketed by.
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// MaxPeriods bounds how many buckets a single range may span.
const MaxPeriods = 3700

// Default lookback windows applied when a range start is omitted.
const (
	DefaultDailyLookbackDays    = 30
	DefaultWeeklyLookbackWeeks  = 9
	DefaultMonthlyLookbackMonth = 11
)

// ParseGranularity accepts daily/weekly/monthly (case-insensitive). Empty means daily.
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	}
	return "", apperr.InvalidRange("unsupported granularity %q", s)
}

// Range is a normalized, inclusive time range: Start is the first instant of its
// unit and End is the last instant of its unit.
type Range struct {
	Start time.Time
	End   time.Time
}

// Options tweak CanonicalizeRange.
type Options struct {
	// IncludePrior extends the range by one unit before the start, so the first
	// requested period can be compared against its predecessor.
	IncludePrior bool
}

// Calendar does all period arithmetic in one location.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// New creates a calendar in loc (UTC when nil).
func New(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, now: time.Now}
}

// WithClock returns a copy of the calendar that reads "now" from fn.
func (c *Calendar) WithClock(fn func() time.Time) *Calendar {
	cp := *c
	cp.now = fn
	return &cp
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Now returns the calendar clock's current time in the calendar location.
func (c *Calendar) Now() time.Time { return c.now().In(c.loc) }

// StartOf returns the first instant of the unit containing t.
func (c *Calendar) StartOf(t time.Time, g Granularity) time.Time {
	t = t.In(c.loc)
	y, m, d := t.Date()
	switch g {
	case Weekly:
		back := (int(t.Weekday()) + 6) % 7 // Monday = 0
		return time.Date(y, m, d-back, 0, 0, 0, 0, c.loc)
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, c.loc)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
	}
}

// Next returns the first instant of the unit after the one containing t.
func (c *Calendar) Next(t time.Time, g Granularity) time.Time {
	return c.shift(c.StartOf(t, g), g, 1)
}

// EndOf returns the last instant of the unit containing t.
func (c *Calendar) EndOf(t time.Time, g Granularity) time.Time {
	return c.Next(t, g).Add(-time.Nanosecond)
}

func (c *Calendar) shift(start time.Time, g Granularity, n int) time.Time {
	y, m, d := start.Date()
	switch g {
	case Weekly:
		return time.Date(y, m, d+7*n, 0, 0, 0, 0, c.loc)
	case Monthly:
		return time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, c.loc)
	default:
		return time.Date(y, m, d+n, 0, 0, 0, 0, c.loc)
	}
}

// CanonicalizeRange snaps start to the beginning and end to the end of their units.
// A nil start falls back to the granularity's default lookback; a nil end means now.
func (c *Calendar) CanonicalizeRange(start, end *time.Time, g Granularity, opts Options) (Range, error) {
	if g != Daily && g != Weekly && g != Monthly {
		return Range{}, apperr.InvalidRange("unsupported granularity %q", g)
	}
	now := c.Now()

	var r Range
	if end != nil {
		r.End = c.EndOf(*end, g)
	} else {
		r.End = c.EndOf(now, g)
	}
	if start != nil {
		r.Start = c.StartOf(*start, g)
	} else {
		r.Start = c.defaultStart(now, g)
	}
	if opts.IncludePrior {
		r.Start = c.shift(r.Start, g, -1)
	}

	if r.End.Before(r.Start) {
		return Range{}, apperr.InvalidRange("end %s is before start %s",
			c.PeriodKeyOf(r.End, g), c.PeriodKeyOf(r.Start, g))
	}
	if n := c.count(r, g); n > MaxPeriods {
		return Range{}, apperr.InvalidRange("range spans %d %s periods, limit is %d", n, g, MaxPeriods)
	}
	return r, nil
}

func (c *Calendar) defaultStart(now time.Time, g Granularity) time.Time {
	switch g {
	case Weekly:
		return c.StartOf(now.AddDate(0, 0, -7*DefaultWeeklyLookbackWeeks), g)
	case Monthly:
		return c.shift(c.StartOf(now, g), g, -DefaultMonthlyLookbackMonth)
	default:
		return c.StartOf(now.AddDate(0, 0, -DefaultDailyLookbackDays), g)
	}
}

func (c *Calendar) count(r Range, g Granularity) int {
	first := c.PeriodKeyOf(r.Start, g)
	last := c.PeriodKeyOf(r.End, g)
	n, err := c.Offset(first, last, g)
	if err != nil {
		return 0
	}
	return n + 1
}

// EnumeratePeriods lists every period key in r, oldest first, with no gaps.
func (c *Calendar) EnumeratePeriods(r Range, g Granularity) []string {
	if r.End.Before(r.Start) {
		return nil
	}
	keys := make([]string, 0, c.count(r, g))
	for cur := c.StartOf(r.Start, g); !cur.After(r.End); cur = c.shift(cur, g, 1) {
		keys = append(keys, c.PeriodKeyOf(cur, g))
	}
	return keys
}

// PeriodKeyOf returns the key of the unit containing t, in the format EnumeratePeriods uses:
// 2006-01-02 (daily), 2006-W01 (ISO week), 2006-01 (monthly).
func (c *Calendar) PeriodKeyOf(t time.Time, g Granularity) string {
	t = t.In(c.loc)
	switch g {
	case Weekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// ParseKey returns the first instant of the period named by key.
func (c *Calendar) ParseKey(key string, g Granularity) (time.Time, error) {
	switch g {
	case Weekly:
		var y, w int
		if _, err := fmt.Sscanf(key, "%4d-W%2d", &y, &w); err != nil || w < 1 || w > 53 {
			return time.Time{}, apperr.InvalidRange("malformed week key %q", key)
		}
		// ISO week 1 is the week containing January 4th.
		jan4 := time.Date(y, time.January, 4, 0, 0, 0, 0, c.loc)
		return c.shift(c.StartOf(jan4, Weekly), Weekly, w-1), nil
	case Monthly:
		t, err := time.ParseInLocation("2006-01", key, c.loc)
		if err != nil {
			return time.Time{}, apperr.InvalidRange("malformed month key %q", key)
		}
		return t, nil
	default:
		t, err := time.ParseInLocation("2006-01-02", key, c.loc)
		if err != nil {
			return time.Time{}, apperr.InvalidRange("malformed day key %q", key)
		}
		return t, nil
	}
}

// Offset returns how many units separate the periods from and to (negative when to is earlier).
func (c *Calendar) Offset(from, to string, g Granularity) (int, error) {
	a, err := c.ParseKey(from, g)
	if err != nil {
		return 0, err
	}
	b, err := c.ParseKey(to, g)
	if err != nil {
		return 0, err
	}
	if g == Monthly {
		return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month()), nil
	}
	days := civilDays(b) - civilDays(a)
	if g == Weekly {
		return days / 7, nil
	}
	return days, nil
}

// civilDays counts calendar days since the epoch, ignoring the wall-clock offset
// so DST transitions do not skew day arithmetic.
func civilDays(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// Package dates provides day-granularity dates and inclusive date ranges,
// plus the range arithmetic the sync engine needs: coverage merging, gap
// subtraction and window partitioning.
package dates

import (
	"fmt"
	"sort"
	"time"
)

// Format is the canonical string representation of a date.
const Format = "2006-01-02"

// Date represents a calendar date with day granularity.
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date for the given year, month and day.
func New(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// Parse parses a date in canonical YYYY-MM-DD form.
func Parse(s string) (Date, error) {
	t, err := time.Parse(Format, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return New(t.Date()), nil
}

// MustParse is Parse that panics on error, for use in tests and constants.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Today returns the current date.
func Today() Date { return New(time.Now().Date()) }

// time returns the canonical time.Time for the day (midnight UTC).
func (d Date) time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

// String formats the date in canonical form.
func (d Date) String() string { return d.time().Format(Format) }

// Unix returns the Unix timestamp of the day at midnight UTC, used as the
// datestamp sort field on stored documents.
func (d Date) Unix() int64 { return d.time().Unix() }

// Year returns the year of the date.
func (d Date) Year() int { return d.y }

// Before reports whether d is before x.
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }

// After reports whether d is after x.
func (d Date) After(x Date) bool { return d.time().After(x.time()) }

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool { return d == Date{} }

// Add returns the date i days after d (or before, for negative i).
func (d Date) Add(i int) Date { return New(d.y, d.m, d.d+i) }

// Sub returns the number of days from x to d.
func (d Date) Sub(x Date) int { return int(d.time().Sub(x.time()) / (24 * time.Hour)) }

// Range is an inclusive range of dates.
type Range struct{ From, To Date }

// NewRange returns the inclusive range [from, to].
func NewRange(from, to Date) Range { return Range{From: from, To: to} }

// Contains reports whether date is inside the range, boundaries included.
func (r Range) Contains(date Date) bool { return !date.Before(r.From) && !date.After(r.To) }

// ContainsRange reports whether x lies entirely inside r.
func (r Range) ContainsRange(x Range) bool { return r.Contains(x.From) && r.Contains(x.To) }

// Days returns the number of days in the range.
func (r Range) Days() int { return r.To.Sub(r.From) + 1 }

// Valid reports whether the range is non-empty and well ordered.
func (r Range) Valid() bool { return !r.From.IsZero() && !r.To.Before(r.From) }

// String formats the range as "from..to".
func (r Range) String() string { return fmt.Sprintf("%s..%s", r.From, r.To) }

// overlapsOrTouches reports whether x overlaps r or is directly adjacent,
// so the two can be merged into one contiguous range.
func (r Range) overlapsOrTouches(x Range) bool {
	return !x.From.After(r.To.Add(1)) && !x.To.Before(r.From.Add(-1))
}

// Subtract returns the sub-ranges of r not covered by any range in covered.
// The result is sorted ascending and disjoint; it is empty when covered
// fully contains r. This is the gap computation of the incremental sync.
func (r Range) Subtract(covered []Range) []Range {
	gaps := []Range{r}
	for _, c := range Merge(covered) {
		var next []Range
		for _, g := range gaps {
			if c.To.Before(g.From) || c.From.After(g.To) {
				next = append(next, g)
				continue
			}
			if c.From.After(g.From) {
				next = append(next, Range{From: g.From, To: c.From.Add(-1)})
			}
			if c.To.Before(g.To) {
				next = append(next, Range{From: c.To.Add(1), To: g.To})
			}
		}
		gaps = next
	}
	return gaps
}

// Partition splits the range into consecutive windows of at most maxDays
// days each. maxDays <= 0 yields the whole range as a single window.
func (r Range) Partition(maxDays int) []Range {
	if maxDays <= 0 || r.Days() <= maxDays {
		return []Range{r}
	}
	var windows []Range
	for from := r.From; !from.After(r.To); from = from.Add(maxDays) {
		to := from.Add(maxDays - 1)
		if to.After(r.To) {
			to = r.To
		}
		windows = append(windows, Range{From: from, To: to})
	}
	return windows
}

// Merge sorts the given ranges and coalesces overlapping or adjacent ones
// into a minimal sorted disjoint set.
func Merge(ranges []Range) []Range {
	var valid []Range
	for _, r := range ranges {
		if r.Valid() {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].From.Before(valid[j].From) })
	merged := []Range{valid[0]}
	for _, r := range valid[1:] {
		last := &merged[len(merged)-1]
		if last.overlapsOrTouches(r) {
			if r.To.After(last.To) {
				last.To = r.To
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

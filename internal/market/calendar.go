// Package market provides the Taipei wall-clock and trading-day lookups
// used throughout the engine. Taiwan observes no daylight-saving time, so
// "now" is computed as a fixed UTC+8 offset rather than via an IANA
// location, keeping schedule math independent of zoneinfo data.
package market

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var taipei = time.FixedZone("UTC+8", 8*3600)

// Location returns the fixed UTC+8 zone used for all wall-clock math.
func Location() *time.Location {
	return taipei
}

// Now returns the current Taipei wall-clock time as a fixed UTC+8 offset.
func Now() time.Time {
	return time.Now().UTC().Add(8 * time.Hour)
}

// Today returns the current Taipei calendar date at midnight.
func Today() time.Time {
	n := Now()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// Calendar holds an ordered list of trading dates, used to seed the
// TradingDates cache and to answer "n trading days ahead" queries without
// hitting the store on every call.
type Calendar struct {
	dates  map[string]bool // "YYYY-MM-DD" -> true
	sorted []time.Time
}

// NewCalendar builds a Calendar from an explicit list of trading dates.
func NewCalendar(dates []time.Time) *Calendar {
	c := &Calendar{dates: make(map[string]bool, len(dates))}
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	c.sorted = sorted
	for _, d := range sorted {
		c.dates[dateKey(d)] = true
	}
	return c
}

// LoadCalendarFile loads one trading date per line, "YYYY-MM-DD" format.
// The calendar is an explicit trading-date list, not a holiday exclusion
// list: lookup gaps fail loudly instead of silently treating an unknown
// date as tradable.
func LoadCalendarFile(path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("market: read calendar file: %w", err)
	}
	var dates []time.Time
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", line)
		if err != nil {
			return nil, fmt.Errorf("market: parse calendar line %q: %w", line, err)
		}
		dates = append(dates, d)
	}
	return NewCalendar(dates), nil
}

func dateKey(d time.Time) string {
	return d.Format("2006-01-02")
}

// IsTradingDate reports whether d is a known trading date.
func (c *Calendar) IsTradingDate(d time.Time) bool {
	return c.dates[dateKey(d)]
}

// NextN returns the trading date n positions at-or-after base. n=0 returns
// the trading date that is base itself if base is a trading date, else the
// next one at-or-after base.
func (c *Calendar) NextN(base time.Time, n int) (time.Time, error) {
	base = time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
	idx := sort.Search(len(c.sorted), func(i int) bool {
		return !c.sorted[i].Before(base)
	})
	target := idx + n
	if target < 0 || target >= len(c.sorted) {
		return time.Time{}, fmt.Errorf("market: trading date %d positions from %s out of range", n, dateKey(base))
	}
	return c.sorted[target], nil
}

// Dates returns the full ordered trading-date list.
func (c *Calendar) Dates() []time.Time {
	out := make([]time.Time, len(c.sorted))
	copy(out, c.sorted)
	return out
}

package cache

import (
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/market"
)

// TradingDates is a thread-safe, full-replacement snapshot of the trading
// calendar, refreshed once per trading date.
type TradingDates struct {
	mu        sync.RWMutex
	calendar  *market.Calendar
	updatedAt time.Time
	debug     bool
}

// NewTradingDates creates a TradingDates cache.
func NewTradingDates(debug bool) *TradingDates {
	return &TradingDates{debug: debug}
}

// Update replaces the cache contents wholesale.
func (t *TradingDates) Update(cal *market.Calendar) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calendar = cal
	t.updatedAt = market.Now()
}

// CheckUpdated reports whether the calendar was refreshed today.
func (t *TradingDates) CheckUpdated() bool {
	if t.debug {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.updatedAt.IsZero() && t.updatedAt.Truncate(24*time.Hour).Equal(market.Today())
}

// IsTradingDate reports whether d is a trading date.
func (t *TradingDates) IsTradingDate(d time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.calendar == nil {
		return false
	}
	return t.calendar.IsTradingDate(d)
}

// NextN returns the trading date n positions at-or-after base.
func (t *TradingDates) NextN(base time.Time, n int) (time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.calendar == nil {
		return time.Time{}, &StaleError{Cache: "trading_dates", UpdatedAt: "never"}
	}
	return t.calendar.NextN(base, n)
}

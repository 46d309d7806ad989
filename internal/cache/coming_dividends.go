package cache

import (
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// ComingDividends is a thread-safe, full-replacement snapshot of upcoming
// ex-dividend dates per code, refreshed once per trading date.
type ComingDividends struct {
	mu        sync.RWMutex
	data      map[string]models.ComingDividend
	updatedAt time.Time
	debug     bool
}

// NewComingDividends creates a ComingDividends cache.
func NewComingDividends(debug bool) *ComingDividends {
	return &ComingDividends{data: make(map[string]models.ComingDividend), debug: debug}
}

// Update replaces the cache contents wholesale.
func (c *ComingDividends) Update(data map[string]models.ComingDividend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.updatedAt = market.Now()
}

// CheckUpdated reports whether the cache was refreshed today.
func (c *ComingDividends) CheckUpdated() bool {
	if c.debug {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.updatedAt.IsZero() && c.updatedAt.Truncate(24*time.Hour).Equal(market.Today())
}

// Exists reports whether code has a known coming dividend.
func (c *ComingDividends) Exists(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[code]
	return ok
}

// Get returns the coming dividend for code.
func (c *ComingDividends) Get(code string) (models.ComingDividend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.data[code]
	if !ok {
		return models.ComingDividend{}, &NotFoundError{Cache: "coming_dividends", Key: code}
	}
	return d, nil
}

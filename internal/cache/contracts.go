package cache

import (
	"sync"

	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// DefaultContractProbeCodes are the liquid codes used to sample freshness
// for the Contracts cache.
var DefaultContractProbeCodes = []string{"0050", "00878", "2330", "2317"}

// Contracts is a thread-safe, full-replacement snapshot of per-code daily
// reference pricing.
type Contracts struct {
	mu    sync.RWMutex
	data  map[string]models.Contract
	debug bool
}

// NewContracts creates a Contracts cache.
func NewContracts(debug bool) *Contracts {
	return &Contracts{data: make(map[string]models.Contract), debug: debug}
}

// Update replaces the cache contents wholesale.
func (c *Contracts) Update(data map[string]models.Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

// CheckUpdated reports whether every probe code is present and current for
// today. Under debug, a probe code that exists but has a stale update_date
// still passes; the existence check is never bypassed.
func (c *Contracts) CheckUpdated(probeCodes ...string) bool {
	if len(probeCodes) == 0 {
		probeCodes = DefaultContractProbeCodes
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	today := market.Today()
	result := true
	for _, code := range probeCodes {
		ct, ok := c.data[code]
		if !ok {
			result = false
			continue
		}
		if !ct.UpdateDate.Equal(today) && !c.debug {
			result = false
		}
	}
	return result
}

// Exists reports whether code is present in the cache.
func (c *Contracts) Exists(code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[code]
	return ok
}

// Get returns the contract for code, or a NotFoundError/StaleError if it is
// absent or not current for today.
func (c *Contracts) Get(code string) (models.Contract, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.data[code]
	if !ok {
		return models.Contract{}, &NotFoundError{Cache: "contracts", Key: code}
	}
	if !c.debug && !ct.UpdateDate.Equal(market.Today()) {
		return models.Contract{}, &StaleError{Cache: "contracts", UpdatedAt: ct.UpdateDate.String()}
	}
	return ct, nil
}

package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// Positions is a thread-safe, full-replacement snapshot of the FIFO
// position view, keyed by strategy id then code.
type Positions struct {
	mu        sync.RWMutex
	data      map[int]map[string]models.Position
	updatedAt time.Time
	tolerance time.Duration
	debug     bool
}

// NewPositions creates a Positions cache with the given freshness
// tolerance.
func NewPositions(tolerance time.Duration, debug bool) *Positions {
	return &Positions{
		data:      make(map[int]map[string]models.Position),
		tolerance: tolerance,
		debug:     debug,
	}
}

// Update replaces the cache contents wholesale.
func (p *Positions) Update(data map[int]map[string]models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = data
	p.updatedAt = market.Now()
}

// CheckUpdated reports whether the cache was refreshed within tolerance.
func (p *Positions) CheckUpdated() bool {
	if p.debug {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.updatedAt.IsZero() && market.Now().Sub(p.updatedAt) <= p.tolerance
}

// Get returns the position for (strategyID, code).
func (p *Positions) Get(strategyID int, code string) (models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d0, ok := p.data[strategyID]; ok {
		if pos, ok := d0[code]; ok {
			return pos, nil
		}
	}
	return models.Position{}, &NotFoundError{Cache: "positions", Key: fmt.Sprintf("%d/%s", strategyID, code)}
}

// Exists reports whether a position is held for (strategyID, code).
func (p *Positions) Exists(strategyID int, code string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d0, ok := p.data[strategyID]
	if !ok {
		return false
	}
	_, ok = d0[code]
	return ok
}

// Codes returns every distinct code currently held across all strategies.
func (p *Positions) Codes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d0 := range p.data {
		for code := range d0 {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	return out
}

// ListStrategyCode returns every (strategy, code) pair currently held.
func (p *Positions) ListStrategyCode() []models.StrategyCode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.StrategyCode
	for strategyID, d0 := range p.data {
		for code := range d0 {
			out = append(out, models.StrategyCode{StrategyID: strategyID, Code: code})
		}
	}
	return out
}

// Snapshot returns a shallow copy of the full position map for iteration by
// a single caller (e.g. the exit handler) without holding the lock for the
// duration of rule evaluation.
func (p *Positions) Snapshot() map[int]map[string]models.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int]map[string]models.Position, len(p.data))
	for strategyID, d0 := range p.data {
		inner := make(map[string]models.Position, len(d0))
		for code, pos := range d0 {
			inner[code] = pos
		}
		out[strategyID] = inner
	}
	return out
}

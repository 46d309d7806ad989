package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// Strategies is a thread-safe, full-replacement snapshot of strategy
// reference data keyed by strategy id.
type Strategies struct {
	mu        sync.RWMutex
	data      map[int]models.Strategy
	updatedAt time.Time
	tolerance time.Duration
	debug     bool
}

// NewStrategies creates a Strategies cache with the given freshness
// tolerance.
func NewStrategies(tolerance time.Duration, debug bool) *Strategies {
	return &Strategies{
		data:      make(map[int]models.Strategy),
		tolerance: tolerance,
		debug:     debug,
	}
}

// Update replaces the cache contents wholesale.
func (s *Strategies) Update(data map[int]models.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.updatedAt = market.Now()
}

// CheckUpdated reports whether the cache was refreshed within tolerance.
func (s *Strategies) CheckUpdated() bool {
	if s.debug {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh()
}

func (s *Strategies) fresh() bool {
	return !s.updatedAt.IsZero() && market.Now().Sub(s.updatedAt) <= s.tolerance
}

// Get returns the strategy for id, or a StaleError/NotFoundError.
func (s *Strategies) Get(id int) (models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.debug && !s.fresh() {
		return models.Strategy{}, &StaleError{Cache: "strategies", UpdatedAt: s.updatedAt.String()}
	}
	st, ok := s.data[id]
	if !ok {
		return models.Strategy{}, &NotFoundError{Cache: "strategies", Key: fmt.Sprintf("%d", id)}
	}
	return st, nil
}

// Exists reports whether id is present, without the freshness error.
func (s *Strategies) Exists(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok
}

// GetIDByName resolves a strategy by name, returning the sentinel 0 if not
// found. This is a distinct sentinel from the engine's unmapped order
// callback sentinel (typically 7): an unknown signal file is dropped, an
// unmappable callback is still persisted.
func (s *Strategies) GetIDByName(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, st := range s.data {
		if st.Name == name {
			return id
		}
	}
	return 0
}

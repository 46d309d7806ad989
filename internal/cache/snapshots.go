package cache

import (
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// DefaultSnapshotProbeCodes are the liquid codes used to sample freshness
// for the Snapshots cache.
var DefaultSnapshotProbeCodes = []string{"0050", "2330", "2317"}

// Snapshots is a thread-safe, full-replacement snapshot of the latest quote
// tick per code.
type Snapshots struct {
	mu        sync.RWMutex
	data      map[string]models.QuoteSnapshot
	updatedAt time.Time
	tolerance time.Duration
	debug     bool
}

// NewSnapshots creates a Snapshots cache with the given freshness
// tolerance.
func NewSnapshots(tolerance time.Duration, debug bool) *Snapshots {
	return &Snapshots{
		data:      make(map[string]models.QuoteSnapshot),
		tolerance: tolerance,
		debug:     debug,
	}
}

// Update replaces the cache contents wholesale.
func (s *Snapshots) Update(data map[string]models.QuoteSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.updatedAt = market.Now()
}

// CheckUpdated reports whether every probe code's own tick timestamp is
// within tolerance, not just the cache-level refresh time: a feed can keep
// refreshing while individual codes go quiet.
func (s *Snapshots) CheckUpdated(probeCodes ...string) bool {
	if s.debug {
		return true
	}
	if len(probeCodes) == 0 {
		probeCodes = DefaultSnapshotProbeCodes
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := market.Now()
	if s.updatedAt.IsZero() || now.Sub(s.updatedAt) > s.tolerance {
		return false
	}
	for _, code := range probeCodes {
		snap, ok := s.data[code]
		if !ok {
			continue
		}
		if now.Sub(snap.Timestamp) > s.tolerance {
			return false
		}
	}
	return true
}

// Get returns the quote snapshot for code.
func (s *Snapshots) Get(code string) (models.QuoteSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.data[code]
	if !ok {
		return models.QuoteSnapshot{}, &NotFoundError{Cache: "snapshots", Key: code}
	}
	if !s.debug && market.Now().Sub(snap.Timestamp) > s.tolerance {
		return models.QuoteSnapshot{}, &StaleError{Cache: "snapshots", UpdatedAt: snap.Timestamp.String()}
	}
	return snap, nil
}

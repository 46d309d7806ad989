// Package cache holds the thread-safe, multi-reader/single-writer snapshot
// caches for reference data: strategies, contracts, positions, quote
// snapshots, trading dates, and coming dividends. Each cache exposes one
// Get call per concern, returning a typed error when the data is stale or
// absent, plus a cheap CheckUpdated pre-flight for callers that want to
// skip work entirely.
package cache

import "fmt"

// StaleError indicates a cache has not been refreshed within its freshness
// tolerance.
type StaleError struct {
	Cache     string
	UpdatedAt string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%s: outdated, previous update: %s", e.Cache, e.UpdatedAt)
}

// NotFoundError indicates the requested key is absent from the cache.
type NotFoundError struct {
	Cache string
	Key   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found: %s", e.Cache, e.Key)
}

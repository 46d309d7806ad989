// Package idgen allocates the various id strings this system hands out:
// 16-hex signal ids, 5-hex broker order ids, and 12-hex trade sequence
// numbers. A single Allocator is owned by the engine and injected into the
// order manager, signal collector, and exit handler at construction, rather
// than relying on package-level globals.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Allocator generates globally-unique identifiers for signals, broker
// orders, and trades.
type Allocator struct{}

// New creates an Allocator.
func New() *Allocator {
	return &Allocator{}
}

// SignalID returns a 16-hex-character id.
func (a *Allocator) SignalID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])[:16]
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// fall back to the all-zero buffer rather than panicking a worker.
		buf = make([]byte, (n+1)/2)
	}
	return fmt.Sprintf("%x", buf)[:n]
}

// OrderID returns a 5-hex-character mock broker order id, used only for
// synthetic offsetting fills (real order ids are assigned by the broker
// callback).
func (a *Allocator) OrderID() string {
	return randomHex(5)
}

// Seqno returns a 12-hex-character mock trade sequence number, used only
// for synthetic offsetting fills.
func (a *Allocator) Seqno() string {
	return randomHex(12)
}

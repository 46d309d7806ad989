package idgen

import (
	"regexp"
	"testing"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

func TestSignalID(t *testing.T) {
	a := New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := a.SignalID()
		if len(id) != 16 {
			t.Fatalf("SignalID length = %d, want 16: %q", len(id), id)
		}
		if !hexRe.MatchString(id) {
			t.Fatalf("SignalID not hex: %q", id)
		}
		if seen[id] {
			t.Fatalf("SignalID collision: %q", id)
		}
		seen[id] = true
	}
}

func TestOrderIDAndSeqno(t *testing.T) {
	a := New()
	if id := a.OrderID(); len(id) != 5 || !hexRe.MatchString(id) {
		t.Errorf("OrderID = %q, want 5 hex chars", id)
	}
	if sn := a.Seqno(); len(sn) != 12 || !hexRe.MatchString(sn) {
		t.Errorf("Seqno = %q, want 12 hex chars", sn)
	}
}

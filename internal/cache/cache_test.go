package cache

import (
	"testing"
	"time"

	"github.com/elsonly/bunny-order/internal/models"
	"github.com/shopspring/decimal"
)

func TestStrategies_StaleBeforeFirstUpdate(t *testing.T) {
	s := NewStrategies(60*time.Second, false)

	if s.CheckUpdated() {
		t.Error("expected CheckUpdated to be false before any Update")
	}
	if _, err := s.Get(1); err == nil {
		t.Error("expected stale error before any Update")
	}
}

func TestStrategies_GetAfterUpdate(t *testing.T) {
	s := NewStrategies(60*time.Second, false)
	s.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1)},
	})

	if !s.CheckUpdated() {
		t.Error("expected CheckUpdated to be true right after Update")
	}
	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "momentum" {
		t.Errorf("expected name momentum, got %s", got.Name)
	}
	if _, err := s.Get(99); err == nil {
		t.Error("expected not-found error for unknown id")
	}
}

func TestStrategies_GetIDByNameSentinel(t *testing.T) {
	s := NewStrategies(60*time.Second, false)
	s.Update(map[int]models.Strategy{1: {ID: 1, Name: "momentum"}})

	if got := s.GetIDByName("momentum"); got != 1 {
		t.Errorf("expected id 1, got %d", got)
	}
	if got := s.GetIDByName("unknown"); got != 0 {
		t.Errorf("expected sentinel 0 for unknown name, got %d", got)
	}
}

func TestContracts_CheckUpdatedRequiresAllProbeCodes(t *testing.T) {
	c := NewContracts(false)
	today := timeToday()
	c.Update(map[string]models.Contract{
		"0050": {Code: "0050", UpdateDate: today},
	})

	if c.CheckUpdated("0050", "2330") {
		t.Error("expected CheckUpdated to be false when a probe code is missing")
	}
	if !c.CheckUpdated("0050") {
		t.Error("expected CheckUpdated to be true when the only probe code is current")
	}
}

func TestPositions_ListStrategyCode(t *testing.T) {
	p := NewPositions(60*time.Second, false)
	p.Update(map[int]map[string]models.Position{
		1: {"2330": {StrategyID: 1, Code: "2330"}},
	})

	pairs := p.ListStrategyCode()
	if len(pairs) != 1 || pairs[0].StrategyID != 1 || pairs[0].Code != "2330" {
		t.Errorf("unexpected pairs: %v", pairs)
	}
}

func timeToday() time.Time {
	n := time.Now().UTC().Add(8 * time.Hour)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

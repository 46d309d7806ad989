package risk

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
	"github.com/shopspring/decimal"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[risk-test] ", log.LstdFlags)
}

type testCaches struct {
	strategies      *cache.Strategies
	contracts       *cache.Contracts
	positions       *cache.Positions
	comingDividends *cache.ComingDividends
	tradingDates    *cache.TradingDates
}

func newTestCaches() *testCaches {
	return &testCaches{
		strategies:      cache.NewStrategies(60*time.Second, true),
		contracts:       cache.NewContracts(true),
		positions:       cache.NewPositions(60*time.Second, true),
		comingDividends: cache.NewComingDividends(true),
		tradingDates:    cache.NewTradingDates(true),
	}
}

func (c *testCaches) manager(limits AmountLimits) *Manager {
	return NewManager(c.strategies, c.contracts, c.positions, c.comingDividends, c.tradingDates, limits, true, testLogger())
}

func baseSignal() models.Signal {
	return models.Signal{
		ID:           "sig-1",
		Source:       models.SignalSourceUpstream,
		SDate:        market.Today(),
		StrategyID:   1,
		SecurityType: models.SecurityTypeStock,
		Code:         "2330",
		OrderType:    models.OrderTypeROD,
		PriceType:    models.PriceTypeLMT,
		Action:       models.ActionBuy,
		Quantity:     1000,
		Price:        decimal.NewFromInt(500),
	}
}

func TestRisk_RejectsUnknownStrategy(t *testing.T) {
	c := newTestCaches()
	mgr := c.manager(AmountLimits{})

	_, decision := mgr.Validate(baseSignal())

	if decision.Approved {
		t.Error("expected rejection for unknown strategy")
	}
	if decision.Reason != models.RejectStrategyNotFound {
		t.Errorf("expected RejectStrategyNotFound, got %s", decision.Reason)
	}
}

func TestRisk_RejectsInactiveStrategy(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: false},
	})
	mgr := c.manager(AmountLimits{})

	_, decision := mgr.Validate(baseSignal())

	if decision.Approved {
		t.Error("expected rejection for inactive strategy")
	}
	if decision.Reason != models.RejectStrategyInactive {
		t.Errorf("expected RejectStrategyInactive, got %s", decision.Reason)
	}
}

func TestRisk_RejectsDisableRaiseOnExistingPosition(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1), EnableRaise: false},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	c.positions.Update(map[int]map[string]models.Position{
		1: {"2330": {StrategyID: 1, Code: "2330", Quantity: 1000}},
	})
	mgr := c.manager(AmountLimits{})

	_, decision := mgr.Validate(baseSignal())

	if decision.Approved {
		t.Error("expected rejection for raise disabled on existing position")
	}
	if decision.Reason != models.RejectDisableRaise {
		t.Errorf("expected RejectDisableRaise, got %s", decision.Reason)
	}
}

func TestRisk_AllowsRaiseWhenEnabled(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1), EnableRaise: true},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	c.positions.Update(map[int]map[string]models.Position{
		1: {"2330": {StrategyID: 1, Code: "2330", Quantity: 1000}},
	})
	mgr := c.manager(AmountLimits{})

	_, decision := mgr.Validate(baseSignal())

	if !decision.Approved {
		t.Errorf("expected approval, got reason %s", decision.Reason)
	}
}

func TestRisk_RejectsContractNotFound(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1), EnableRaise: true},
	})
	mgr := c.manager(AmountLimits{})

	_, decision := mgr.Validate(baseSignal())

	if decision.Approved {
		t.Error("expected rejection for missing contract")
	}
	if decision.Reason != models.RejectContractOutdated {
		t.Errorf("expected RejectContractOutdated, got %s", decision.Reason)
	}
}

func TestRisk_RejectsInsufficientUnit(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(0), EnableRaise: true},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	mgr := c.manager(AmountLimits{})

	signal := baseSignal()
	_, decision := mgr.Validate(signal)

	if decision.Approved {
		t.Error("expected rejection for zeroed-out quantity")
	}
	if decision.Reason != models.RejectInsufficientUnit {
		t.Errorf("expected RejectInsufficientUnit, got %s", decision.Reason)
	}
}

func TestRisk_LeverageAndLimitAdjustment(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromFloat(1.5), EnableRaise: true},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	mgr := c.manager(AmountLimits{})

	signal, decision := mgr.Validate(baseSignal())

	if !decision.Approved {
		t.Fatalf("expected approval, got reason %s", decision.Reason)
	}
	if signal.Quantity != 1500 {
		t.Errorf("expected quantity scaled to 1500, got %d", signal.Quantity)
	}
	if !signal.Price.Equal(decimal.NewFromInt(550)) {
		t.Errorf("expected price snapped to limit up 550, got %s", signal.Price)
	}
}

func TestRisk_RejectsDailyAmountLimitExceeded(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1), EnableRaise: true},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	mgr := c.manager(AmountLimits{DailyLimit: 1000})

	_, decision := mgr.Validate(baseSignal())

	if decision.Approved {
		t.Error("expected rejection for daily amount limit exceeded")
	}
	if decision.Reason != models.RejectDailyAmountLimitExceeded {
		t.Errorf("expected RejectDailyAmountLimitExceeded, got %s", decision.Reason)
	}
}

func TestRisk_ApprovesValidSellSignal(t *testing.T) {
	c := newTestCaches()
	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1)},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})
	c.positions.Update(map[int]map[string]models.Position{
		1: {"2330": {StrategyID: 1, Code: "2330", Quantity: 1000}},
	})
	mgr := c.manager(AmountLimits{})

	signal := baseSignal()
	signal.Action = models.ActionSell
	signal.Source = models.SignalSourceExitHandler

	got, decision := mgr.Validate(signal)

	if !decision.Approved {
		t.Fatalf("expected approval, got reason %s", decision.Reason)
	}
	if !got.RMValidated {
		t.Error("expected RMValidated to be set on the returned signal")
	}
	if got.Quantity != 1000 {
		t.Errorf("expected quantity unchanged for a sell signal, got %d", got.Quantity)
	}
}

func TestRisk_ResetDailyAmount(t *testing.T) {
	c := newTestCaches()
	mgr := c.manager(AmountLimits{DailyLimit: 1000})
	mgr.RecordAmount(900)
	mgr.ResetDailyAmount()

	c.strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "momentum", Status: true, LeverageRatio: decimal.NewFromInt(1), EnableRaise: true},
	})
	c.contracts.Update(map[string]models.Contract{
		"2330": {Code: "2330", LimitUp: decimal.NewFromInt(550), LimitDown: decimal.NewFromInt(450), UpdateDate: market.Today()},
	})

	signal := baseSignal()
	signal.Quantity = 1
	signal.Price = decimal.NewFromInt(500)

	_, decision := mgr.Validate(signal)
	if !decision.Approved {
		t.Errorf("expected approval after reset, got reason %s", decision.Reason)
	}
}

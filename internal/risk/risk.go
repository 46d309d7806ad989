// Package risk implements hard risk guardrails for the trading system.
//
// Every signal is run through an ordered chain of checks before it may be
// decomposed into a broker order. Validate returns a new Signal value
// (possibly quantity/price-adjusted) alongside the Decision rather than
// mutating its input, so callers always see an explicit approved/rejected
// outcome.
package risk

import (
	"log"
	"time"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of validating a signal.
type Decision struct {
	Approved bool
	Reason   models.RejectReason
}

// AmountLimits configures the daily and per-strategy transaction amount
// caps. A zero limit disables the corresponding check.
type AmountLimits struct {
	DailyLimit    float64
	StrategyLimit map[int]float64
}

// Manager validates signals against strategy, contract, position, dividend,
// and trading-date reference data. It is the final gatekeeper before any
// signal is decomposed into a broker order.
type Manager struct {
	strategies      *cache.Strategies
	contracts       *cache.Contracts
	positions       *cache.Positions
	comingDividends *cache.ComingDividends
	tradingDates    *cache.TradingDates
	limits          AmountLimits
	debug           bool
	logger          *log.Logger

	cumulativeAmount float64
}

// NewManager creates a new risk Manager.
func NewManager(
	strategies *cache.Strategies,
	contracts *cache.Contracts,
	positions *cache.Positions,
	comingDividends *cache.ComingDividends,
	tradingDates *cache.TradingDates,
	limits AmountLimits,
	debug bool,
	logger *log.Logger,
) *Manager {
	return &Manager{
		strategies:      strategies,
		contracts:       contracts,
		positions:       positions,
		comingDividends: comingDividends,
		tradingDates:    tradingDates,
		limits:          limits,
		debug:           debug,
		logger:          logger,
	}
}

// Validate runs the ordered check chain against signal and returns the
// (possibly adjusted) signal plus the decision. Checks stop at the first
// failure.
func (m *Manager) Validate(signal models.Signal) (models.Signal, Decision) {
	strategy, ok := m.checkStrategy(&signal)
	if !ok {
		return signal, m.reject(signal.RMRejectReason)
	}

	if signal.Source == models.SignalSourceUpstream && signal.Action == models.ActionBuy {
		m.adjustForLeverageAndLimit(&signal, strategy)
	}

	if !m.checkRaise(&signal, strategy) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkTradeDatetime(&signal) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkLatestContract(&signal) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkDividendDate(&signal, strategy) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkQuantityUnit(&signal) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkDailyAmountLimit(&signal) {
		return signal, m.reject(signal.RMRejectReason)
	}
	if !m.checkStrategyAmountLimit(&signal, strategy) {
		return signal, m.reject(signal.RMRejectReason)
	}

	signal.RMValidated = true
	return signal, Decision{Approved: true}
}

func (m *Manager) reject(reason *models.RejectReason) Decision {
	if reason == nil {
		return Decision{Approved: false}
	}
	return Decision{Approved: false, Reason: *reason}
}

func setReason(signal *models.Signal, reason models.RejectReason) {
	r := reason
	signal.RMRejectReason = &r
}

func (m *Manager) checkStrategy(signal *models.Signal) (models.Strategy, bool) {
	strategy, err := m.strategies.Get(signal.StrategyID)
	if err != nil {
		setReason(signal, models.RejectStrategyNotFound)
		m.logger.Printf("WARN risk: reject signal %s: strategy not found: %d", signal.ID, signal.StrategyID)
		return models.Strategy{}, false
	}
	if !strategy.Status {
		setReason(signal, models.RejectStrategyInactive)
		m.logger.Printf("WARN risk: reject signal %s: strategy inactive: %d", signal.ID, signal.StrategyID)
		return models.Strategy{}, false
	}
	return strategy, true
}

// adjustForLeverageAndLimit scales the quantity of an upstream buy signal
// by the strategy's leverage ratio (integer truncation) and moves the price
// to the contract's limit band so the order fills aggressively.
func (m *Manager) adjustForLeverageAndLimit(signal *models.Signal, strategy models.Strategy) {
	qty := strategy.LeverageRatio.Mul(decimal.NewFromInt(signal.Quantity))
	signal.Quantity = qty.IntPart()

	contract, err := m.contracts.Get(signal.Code)
	if err != nil {
		return // handled by checkLatestContract next
	}
	signal.Price = contract.LimitUp
}

// checkRaise rejects a buy signal on a code the strategy already holds a
// position in, unless the strategy has explicitly enabled raising.
func (m *Manager) checkRaise(signal *models.Signal, strategy models.Strategy) bool {
	if signal.Action != models.ActionBuy {
		return true
	}
	if strategy.EnableRaise {
		return true
	}
	if m.positions.Exists(signal.StrategyID, signal.Code) {
		setReason(signal, models.RejectDisableRaise)
		m.logger.Printf("WARN risk: reject signal %s: raise disabled for existing position", signal.ID)
		return false
	}
	return true
}

func (m *Manager) checkTradeDatetime(signal *models.Signal) bool {
	if m.debug {
		return true
	}
	wd := signal.SDate.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		setReason(signal, models.RejectInvalidTradeHour)
		return false
	}
	return true
}

func (m *Manager) checkLatestContract(signal *models.Signal) bool {
	if !m.contracts.Exists(signal.Code) {
		setReason(signal, models.RejectContractOutdated)
		m.logger.Printf("WARN risk: contract not found: %s", signal.Code)
		return false
	}
	if !m.contracts.CheckUpdated(signal.Code) {
		setReason(signal, models.RejectContractOutdated)
		m.logger.Printf("WARN risk: contract outdated: %s", signal.Code)
		return false
	}
	return true
}

func (m *Manager) checkDividendDate(signal *models.Signal, strategy models.Strategy) bool {
	if signal.Action != models.ActionBuy {
		return true
	}
	if strategy.HoldingPeriod == nil || strategy.EnableDividend {
		return true
	}
	if !m.comingDividends.Exists(signal.Code) {
		return true
	}
	div, err := m.comingDividends.Get(signal.Code)
	if err != nil {
		return true
	}
	next, err := m.tradingDates.NextN(market.Today(), *strategy.HoldingPeriod)
	if err != nil {
		return true
	}
	if !next.Before(div.ExDate) {
		setReason(signal, models.RejectCannotParticipatingDividend)
		m.logger.Printf("WARN risk: reject signal %s: cannot participate in dividend: %s", signal.ID, signal.Code)
		return false
	}
	return true
}

func (m *Manager) checkQuantityUnit(signal *models.Signal) bool {
	if signal.Quantity < 1 {
		setReason(signal, models.RejectInsufficientUnit)
		m.logger.Printf("WARN risk: reject signal %s: insufficient unit", signal.ID)
		return false
	}
	return true
}

func (m *Manager) checkDailyAmountLimit(signal *models.Signal) bool {
	if m.limits.DailyLimit <= 0 {
		return true
	}
	amount := signal.Price.InexactFloat64() * float64(signal.Quantity)
	if m.cumulativeAmount+amount > m.limits.DailyLimit {
		setReason(signal, models.RejectDailyAmountLimitExceeded)
		return false
	}
	return true
}

func (m *Manager) checkStrategyAmountLimit(signal *models.Signal, strategy models.Strategy) bool {
	limit, ok := m.limits.StrategyLimit[strategy.ID]
	if !ok || limit <= 0 {
		return true
	}
	amount := signal.Price.InexactFloat64() * float64(signal.Quantity)
	if amount > limit {
		setReason(signal, models.RejectStrategyAmountLimitExceeded)
		return false
	}
	return true
}

// ResetDailyAmount zeroes the cumulative daily transaction amount. Called by
// the engine at each reset cycle.
func (m *Manager) ResetDailyAmount() {
	m.cumulativeAmount = 0
}

// RecordAmount accumulates the notional of an executed order toward the
// daily amount limit.
func (m *Manager) RecordAmount(amount float64) {
	m.cumulativeAmount += amount
}

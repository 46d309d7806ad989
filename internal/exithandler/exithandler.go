// Package exithandler evaluates exit rules for every open position on each
// quote tick and during the pre-market window, emitting exit signals back
// to the engine. An emitted exit for a (strategy, code) pair is tracked in
// a checkpointed running set so restarts and repeated passes never
// double-emit.
package exithandler

import (
	"context"
	"log"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/checkpoint"
	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

var one = decimal.NewFromInt(1)

// ExitHandler is the long-running worker that turns open positions into
// exit signals when a rule fires.
type ExitHandler struct {
	cfg          *config.Config
	strategies   *cache.Strategies
	positions    *cache.Positions
	contracts    *cache.Contracts
	tradingDates *cache.TradingDates
	ids          *idgen.Allocator
	logger       *log.Logger

	in  <-chan models.Event
	out chan<- models.Event

	quoteTolerance time.Duration
	checkpointPath string

	// runningSignals maps strategy id -> codes with an in-flight exit.
	runningSignals map[int][]string
}

// New creates an ExitHandler and restores its running-signal checkpoint.
func New(
	cfg *config.Config,
	strategies *cache.Strategies,
	positions *cache.Positions,
	contracts *cache.Contracts,
	tradingDates *cache.TradingDates,
	ids *idgen.Allocator,
	in <-chan models.Event,
	out chan<- models.Event,
	logger *log.Logger,
) (*ExitHandler, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	h := &ExitHandler{
		cfg:            cfg,
		strategies:     strategies,
		positions:      positions,
		contracts:      contracts,
		tradingDates:   tradingDates,
		ids:            ids,
		logger:         logger,
		in:             in,
		out:            out,
		quoteTolerance: time.Duration(cfg.Engine.QuoteDelayTolerance) * time.Second,
		checkpointPath: filepath.Join(cfg.CheckpointsDir, "exit_handler.json"),
		runningSignals: make(map[int][]string),
	}
	persisted := make(map[string][]string)
	if err := checkpoint.Load(h.checkpointPath, &persisted); err != nil {
		return nil, err
	}
	for key, codes := range persisted {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		h.runningSignals[id] = codes
	}
	return h, nil
}

// Run consumes Quote events until ctx is cancelled, and runs the
// pre-market pass while the before-market window is open.
func (h *ExitHandler) Run(ctx context.Context) {
	h.logger.Printf("INFO exit handler: start")
	for {
		select {
		case <-ctx.Done():
			h.logger.Printf("INFO exit handler: shutdown")
			return
		case ev := <-h.in:
			if ev.Kind == models.EventQuote {
				h.onQuote(ctx, ev.Quotes)
			} else {
				h.logger.Printf("WARN exit handler: invalid event: %s", ev.Kind)
			}
		case <-time.After(10 * time.Millisecond):
			if h.cfg.IsBeforeMarketTime(market.Now()) {
				h.beforeMarketPass(ctx)
			}
		}
	}
}

// Reset clears the running-signal set and persists the empty state, called
// by the engine at each reset cycle.
func (h *ExitHandler) Reset() {
	h.runningSignals = make(map[int][]string)
	h.persistRunningSignals()
}

func (h *ExitHandler) isRunningSignal(strategyID int, code string) bool {
	for _, c := range h.runningSignals[strategyID] {
		if c == code {
			return true
		}
	}
	return false
}

// beforeMarketPass evaluates the holding-period rule for every position.
// Only OutDate fires without a live quote.
func (h *ExitHandler) beforeMarketPass(ctx context.Context) {
	for strategyID, byCode := range h.positions.Snapshot() {
		strategy, err := h.strategies.Get(strategyID)
		if err != nil {
			continue
		}
		for code, position := range byCode {
			if h.isRunningSignal(strategyID, code) {
				continue
			}
			h.exitByOutDate(ctx, strategy, position)
		}
	}
}

// onQuote evaluates every rule for every position with a usable snapshot.
func (h *ExitHandler) onQuote(ctx context.Context, snapshots map[string]models.QuoteSnapshot) {
	for strategyID, byCode := range h.positions.Snapshot() {
		strategy, err := h.strategies.Get(strategyID)
		if err != nil {
			h.logger.Printf("WARN exit handler: strategy %d: %v", strategyID, err)
			continue
		}
		for code, position := range byCode {
			if h.isRunningSignal(strategyID, code) {
				continue
			}

			h.exitByOutDate(ctx, strategy, position)

			snapshot, ok := snapshots[code]
			if !ok || !h.usableSnapshot(snapshot) {
				continue
			}
			h.exitByDaysProfitLimit(ctx, strategy, position, snapshot)
			h.exitByTakeProfit(ctx, strategy, position, snapshot)
			h.exitByStopLoss(ctx, strategy, position, snapshot)
			h.exitByProfitPullback(ctx, strategy, position, snapshot)
		}
	}
}

// usableSnapshot filters out stale quotes and auction/matching bars that
// carry no traded volume.
func (h *ExitHandler) usableSnapshot(s models.QuoteSnapshot) bool {
	if market.Now().Sub(s.Timestamp) > h.quoteTolerance {
		return false
	}
	return s.TotalVolume > 0 && s.Volume > 0
}

// profit returns close/avg - 1 for long positions and avg/close - 1 for
// short positions.
func profit(position models.Position, close decimal.Decimal) decimal.Decimal {
	if position.Action == models.ActionBuy {
		return close.Div(position.AvgPrice).Sub(one)
	}
	return position.AvgPrice.Div(close).Sub(one)
}

func (h *ExitHandler) exitByOutDate(ctx context.Context, strategy models.Strategy, position models.Position) {
	if h.isRunningSignal(strategy.ID, position.Code) {
		return
	}
	if strategy.HoldingPeriod == nil || position.FirstEntryDate.IsZero() {
		return
	}
	if !h.cfg.IsBeforeMarketTime(market.Now()) {
		return
	}
	outDate, err := h.tradingDates.NextN(position.FirstEntryDate, *strategy.HoldingPeriod)
	if err != nil {
		h.logger.Printf("WARN exit handler: out date for %d/%s: %v", strategy.ID, position.Code, err)
		return
	}
	if !market.Today().Before(outDate) {
		h.sendExitSignal(ctx, position, models.ExitByOutDate)
	}
}

func (h *ExitHandler) exitByDaysProfitLimit(ctx context.Context, strategy models.Strategy, position models.Position, snapshot models.QuoteSnapshot) {
	if h.isRunningSignal(strategy.ID, position.Code) {
		return
	}
	if strategy.ExitDPDays == nil || strategy.ExitDPProfitLimit == nil {
		return
	}
	if position.FirstEntryDate.IsZero() {
		return
	}
	limitDate, err := h.tradingDates.NextN(position.FirstEntryDate, *strategy.ExitDPDays)
	if err != nil {
		h.logger.Printf("WARN exit handler: dp date for %d/%s: %v", strategy.ID, position.Code, err)
		return
	}
	if market.Today().Before(limitDate) {
		return
	}
	if profit(position, snapshot.Close).LessThanOrEqual(*strategy.ExitDPProfitLimit) {
		h.sendExitSignal(ctx, position, models.ExitByDaysProfitLimit)
	}
}

// sessionWindow gates the intraday profit rules to 09:00-14:00.
func sessionWindow() bool {
	hour := market.Now().Hour()
	return hour >= 9 && hour < 14
}

func (h *ExitHandler) exitByTakeProfit(ctx context.Context, strategy models.Strategy, position models.Position, snapshot models.QuoteSnapshot) {
	if h.isRunningSignal(strategy.ID, position.Code) {
		return
	}
	if strategy.ExitTakeProfit == nil {
		return
	}
	if !h.cfg.Debug && !sessionWindow() {
		return
	}
	if profit(position, snapshot.Close).GreaterThanOrEqual(*strategy.ExitTakeProfit) {
		h.sendExitSignal(ctx, position, models.ExitByTakeProfit)
	}
}

func (h *ExitHandler) exitByStopLoss(ctx context.Context, strategy models.Strategy, position models.Position, snapshot models.QuoteSnapshot) {
	if h.isRunningSignal(strategy.ID, position.Code) {
		return
	}
	if strategy.ExitStopLoss == nil {
		return
	}
	if !h.cfg.Debug && !sessionWindow() {
		return
	}
	if profit(position, snapshot.Close).LessThanOrEqual(*strategy.ExitStopLoss) {
		h.sendExitSignal(ctx, position, models.ExitByStopLoss)
	}
}

// exitByProfitPullback exits once the best profit seen since entry has
// retraced by the configured ratio, or the position has gone negative
// after a qualifying run-up.
func (h *ExitHandler) exitByProfitPullback(ctx context.Context, strategy models.Strategy, position models.Position, snapshot models.QuoteSnapshot) {
	if h.isRunningSignal(strategy.ID, position.Code) {
		return
	}
	if strategy.PullbackRatio == nil || strategy.PullbackThreshold == nil {
		return
	}

	var maxRange decimal.Decimal
	if position.Action == models.ActionBuy {
		high := snapshot.High
		if position.HighSinceEntry.GreaterThan(high) {
			high = position.HighSinceEntry
		}
		maxRange = high.Div(position.AvgPrice).Sub(one)
	} else {
		low := snapshot.Low
		if !position.LowSinceEntry.IsZero() && position.LowSinceEntry.LessThan(low) {
			low = position.LowSinceEntry
		}
		if low.IsZero() {
			return
		}
		maxRange = position.AvgPrice.Div(low).Sub(one)
	}

	if maxRange.LessThan(*strategy.PullbackThreshold) {
		return
	}
	cur := profit(position, snapshot.Close)
	if cur.IsNegative() {
		h.sendExitSignal(ctx, position, models.ExitByProfitPullback)
		return
	}
	if one.Sub(cur.Div(maxRange)).GreaterThanOrEqual(*strategy.PullbackRatio) {
		h.sendExitSignal(ctx, position, models.ExitByProfitPullback)
	}
}

// sendExitSignal emits one aggressive limit exit for the position and
// checkpoints the running set so a restart cannot re-emit it.
func (h *ExitHandler) sendExitSignal(ctx context.Context, position models.Position, exitType models.ExitType) {
	contract, err := h.contracts.Get(position.Code)
	if err != nil {
		h.logger.Printf("WARN exit handler: contract for %s: %v", position.Code, err)
		return
	}

	action := position.Action.Opposite()
	price := contract.LimitDown
	if action == models.ActionBuy {
		price = contract.LimitUp
	}

	et := exitType
	signal := models.Signal{
		ID:           h.ids.SignalID(),
		Source:       models.SignalSourceExitHandler,
		SDate:        market.Today(),
		STime:        market.Now(),
		StrategyID:   position.StrategyID,
		SecurityType: models.SecurityTypeStock,
		Code:         position.Code,
		OrderType:    models.OrderTypeROD,
		PriceType:    models.PriceTypeLMT,
		Action:       action,
		Quantity:     position.Quantity,
		Price:        price,
		ExitType:     &et,
	}

	select {
	case h.out <- models.Event{Kind: models.EventSignal, Signal: signal}:
	case <-ctx.Done():
		return
	}
	h.logger.Printf("INFO exit handler: %s exit for %d/%s qty=%d",
		exitType, position.StrategyID, position.Code, position.Quantity)

	h.runningSignals[position.StrategyID] = append(h.runningSignals[position.StrategyID], position.Code)
	h.persistRunningSignals()
}

func (h *ExitHandler) persistRunningSignals() {
	persisted := make(map[string][]string, len(h.runningSignals))
	for id, codes := range h.runningSignals {
		persisted[strconv.Itoa(id)] = codes
	}
	if err := checkpoint.Dump(h.checkpointPath, persisted); err != nil {
		h.logger.Printf("ERROR exit handler: persist running signals: %v", err)
	}
}

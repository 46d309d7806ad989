package ordermanager

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
	"github.com/elsonly/bunny-order/internal/risk"
	"github.com/elsonly/bunny-order/internal/storage"
	"github.com/elsonly/bunny-order/internal/tick"
)

var hundred = decimal.NewFromInt(100)

// OrderManager consumes signal and callback events from its inbound
// channel, batches signals through the SignalCollector, and writes the
// resulting broker orders to the SF31 order log. Every placed order is
// also handed to the engine over the placed channel for correlation with
// broker callbacks.
type OrderManager struct {
	cfg          *config.Config
	strategies   *cache.Strategies
	contracts    *cache.Contracts
	tradingDates *cache.TradingDates
	store        storage.Store
	collector    *SignalCollector
	breaker      *risk.CircuitBreaker
	logger       *log.Logger

	in     <-chan models.Event
	placed chan<- models.BrokerOrder

	sf31OrdersDir string
}

// New creates an OrderManager. in carries events from the engine; placed
// carries every broker order written to the log back to the engine for
// callback correlation.
func New(
	cfg *config.Config,
	strategies *cache.Strategies,
	contracts *cache.Contracts,
	tradingDates *cache.TradingDates,
	store storage.Store,
	ids *idgen.Allocator,
	breaker *risk.CircuitBreaker,
	in <-chan models.Event,
	placed chan<- models.BrokerOrder,
	logger *log.Logger,
) *OrderManager {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &OrderManager{
		cfg:          cfg,
		strategies:   strategies,
		contracts:    contracts,
		tradingDates: tradingDates,
		store:        store,
		breaker:      breaker,
		logger:       logger,
		in:           in,
		placed:       placed,
		collector: NewSignalCollector(store, contracts, ids, CollectorConfig{
			Debug:   cfg.Debug,
			MaxHold: time.Duration(cfg.OrderManager.OffsetMaxHoldSeconds) * time.Second,
		}, logger),
		sf31OrdersDir: filepath.Join(cfg.Observer.BasePath, cfg.Observer.SF31OrdersDir),
	}
}

// Run is the order manager's worker loop. It gates on systemCheck,
// sleeping 10s while the system is not ready, and otherwise drains the
// inbound channel and flushes the collector.
func (om *OrderManager) Run(ctx context.Context) {
	om.logger.Printf("INFO order manager: start")
	for {
		select {
		case <-ctx.Done():
			om.logger.Printf("INFO order manager: shutdown")
			return
		default:
		}

		if !om.systemCheck() {
			select {
			case <-ctx.Done():
				om.logger.Printf("INFO order manager: shutdown")
				return
			case <-time.After(10 * time.Second):
			}
			continue
		}

		select {
		case ev := <-om.in:
			om.handleEvent(ctx, ev)
		case <-time.After(10 * time.Millisecond):
		}

		if om.collector.CheckSignals() {
			for _, signal := range om.collector.ReleasedSignals() {
				om.onSignal(ctx, signal)
			}
			om.collector.ExecuteOffsettingSignals(ctx)
		}
	}
}

func (om *OrderManager) handleEvent(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventSignal:
		om.collector.OnSignal(ev.Signal)
	case models.EventOrderCallback:
		om.onOrderCallback(ev.Order)
	case models.EventTradeCallback:
		om.onTradeCallback(ev.Trade)
	default:
		om.logger.Printf("WARN order manager: invalid event: %s", ev.Kind)
	}
}

// onSignal routes one released signal: upstream buys are split half at the
// signal price, half at the order-low-ratio price; everything else goes as
// a single limit order.
func (om *OrderManager) onSignal(ctx context.Context, signal models.Signal) {
	if signal.Quantity == 0 {
		return // fully offset internally
	}
	switch signal.Source {
	case models.SignalSourceUpstream:
		if signal.Action == models.ActionBuy {
			om.executeHalfOpenHalfOrderLowRatio(ctx, signal)
		} else {
			om.executeLimitOrder(ctx, signal)
		}
	case models.SignalSourceExitHandler:
		om.executeLimitOrder(ctx, signal)
	default:
		om.logger.Printf("WARN order manager: invalid signal source: %s", signal.Source)
	}
}

// orderLowRatioPrice shades the contract reference price by the strategy's
// order_low_ratio percentage and snaps it to a legal tick. Falls back to
// the signal's own price when the strategy carries no ratio.
func (om *OrderManager) orderLowRatioPrice(signal models.Signal) (decimal.Decimal, error) {
	strategy, err := om.strategies.Get(signal.StrategyID)
	if err != nil {
		return decimal.Zero, err
	}
	if strategy.OrderLowRatio == nil {
		return signal.Price, nil
	}
	contract, err := om.contracts.Get(signal.Code)
	if err != nil {
		return decimal.Zero, err
	}
	raw := contract.Reference.Mul(decimal.NewFromInt(1).Add(strategy.OrderLowRatio.Div(hundred)))
	return tick.Snap(raw)
}

// executeHalfOpenHalfOrderLowRatio splits an upstream buy into two broker
// orders: ceil(q/2) at the signal price and floor(q/2) at the shaded
// order-low-ratio price.
func (om *OrderManager) executeHalfOpenHalfOrderLowRatio(ctx context.Context, signal models.Signal) {
	half := signal.Quantity / 2

	order1 := om.brokerOrderFromSignal(signal)
	order1.Quantity = signal.Quantity - half
	om.placeOrder(ctx, order1)

	if half == 0 {
		return
	}
	lowPrice, err := om.orderLowRatioPrice(signal)
	if err != nil {
		om.logger.Printf("ERROR order manager: order-low-ratio price for signal %s: %v", signal.ID, err)
		lowPrice = signal.Price
	}
	order2 := om.brokerOrderFromSignal(signal)
	order2.Quantity = half
	order2.Price = lowPrice
	om.placeOrder(ctx, order2)
}

func (om *OrderManager) executeLimitOrder(ctx context.Context, signal models.Signal) {
	om.placeOrder(ctx, om.brokerOrderFromSignal(signal))
}

func (om *OrderManager) brokerOrderFromSignal(signal models.Signal) models.BrokerOrder {
	return models.BrokerOrder{
		SignalID:     signal.ID,
		SFDate:       signal.SDate,
		SFTime:       market.Now(),
		StrategyID:   signal.StrategyID,
		SecurityType: signal.SecurityType,
		Code:         signal.Code,
		OrderType:    signal.OrderType,
		PriceType:    signal.PriceType,
		Action:       signal.Action,
		Quantity:     signal.Quantity,
		Price:        signal.Price,
	}
}

// placeOrder appends the order to the strategy's Buy.log or Sell.log,
// persists it, and hands it to the engine for callback correlation. Log
// append failures feed the circuit breaker; while tripped, no new orders
// reach the broker log.
func (om *OrderManager) placeOrder(ctx context.Context, order models.BrokerOrder) {
	if om.breaker != nil && om.breaker.IsTripped() {
		om.logger.Printf("WARN order manager: circuit breaker tripped (%s), dropping order for signal %s",
			om.breaker.TripReason(), order.SignalID)
		return
	}
	om.logger.Printf("INFO order manager: place order signal=%s %s %s qty=%d price=%s",
		order.SignalID, order.Code, order.Action, order.Quantity, order.Price)

	if err := om.appendOrderLine(order); err != nil {
		om.logger.Printf("ERROR order manager: append order line: %v", err)
		if om.breaker != nil {
			om.breaker.RecordFailure(err.Error())
		}
		return
	}
	if om.breaker != nil {
		om.breaker.RecordSuccess()
	}

	if err := om.store.SaveSF31Order(ctx, &order); err != nil {
		om.logger.Printf("ERROR order manager: save sf31 order: %v", err)
	}

	select {
	case om.placed <- order:
	case <-ctx.Done():
	}
}

// appendOrderLine writes one comma-delimited record to the broker-watched
// order log: signal_id,Stock,<epoch.micro>,code,order_type,action,qty,price.
func (om *OrderManager) appendOrderLine(order models.BrokerOrder) error {
	strategy, err := om.strategies.Get(order.StrategyID)
	if err != nil {
		return fmt.Errorf("resolve strategy %d: %w", order.StrategyID, err)
	}

	dir := filepath.Join(om.sf31OrdersDir, strategy.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	var name string
	switch order.Action {
	case models.ActionBuy:
		name = "Buy.log"
	case models.ActionSell:
		name = "Sell.log"
	default:
		return fmt.Errorf("invalid action %q", order.Action)
	}

	if order.SecurityType != models.SecurityTypeStock {
		return fmt.Errorf("invalid security type %q", order.SecurityType)
	}

	ts := time.Date(
		order.SFDate.Year(), order.SFDate.Month(), order.SFDate.Day(),
		order.SFTime.Hour(), order.SFTime.Minute(), order.SFTime.Second(),
		order.SFTime.Nanosecond(), market.Location(),
	)
	line := fmt.Sprintf("%s,Stock,%d.%06d,%s,%s,%s,%d,%s\n",
		order.SignalID, ts.Unix(), ts.Nanosecond()/1000,
		order.Code, order.OrderType, order.Action, order.Quantity, order.Price)

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// systemCheck gates order placement on trade time and reference-data
// freshness.
func (om *OrderManager) systemCheck() bool {
	if !om.cfg.IsTradeTime(market.Now()) {
		return false
	}
	if !om.tradingDates.CheckUpdated() {
		om.logger.Printf("WARN order manager: trading dates not updated")
		return false
	}
	if !om.tradingDates.IsTradingDate(market.Today()) {
		return false
	}
	if !om.contracts.CheckUpdated() {
		om.logger.Printf("WARN order manager: contracts not updated")
		return false
	}
	if !om.strategies.CheckUpdated() {
		om.logger.Printf("WARN order manager: strategies not updated")
		return false
	}
	return true
}

func (om *OrderManager) onOrderCallback(order models.Order) {
	om.logger.Printf("INFO order manager: order callback %s %s %s qty=%d",
		order.OrderID, order.Code, order.Action, order.OrderQty)
}

func (om *OrderManager) onTradeCallback(trade models.Trade) {
	om.logger.Printf("INFO order manager: trade callback %s/%s %s %s qty=%d",
		trade.OrderID, trade.Seqno, trade.Code, trade.Action, trade.Qty)
}

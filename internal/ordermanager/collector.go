// Package ordermanager decomposes risk-approved signals into broker orders
// written to the SF31 order log. Concurrent buy/sell signals on the same
// code are first batched by the SignalCollector and offset against each
// other internally; only the remainders are routed to the broker.
package ordermanager

import (
	"context"
	"log"
	"time"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
	"github.com/elsonly/bunny-order/internal/storage"
)

// CollectorConfig tunes the offset batching windows.
type CollectorConfig struct {
	// Debug holds in-session batches for 5s instead of 0; the 60s pre-open
	// window is unchanged.
	Debug bool
	// MaxHold force-flushes a batch once its oldest signal has waited this
	// long, so a continuous stream cannot starve the pre-open window.
	MaxHold time.Duration
}

// SignalCollector batches signals by code and action, offsets opposing
// signals on the same code, and releases the remainders for execution.
// Offset pairs are recorded as synthetic fills at the contract reference
// price and never reach the broker.
type SignalCollector struct {
	store     storage.Store
	contracts *cache.Contracts
	ids       *idgen.Allocator
	cfg       CollectorConfig
	logger    *log.Logger

	collector  map[string]map[models.Action][]models.Signal
	lastTS     time.Time
	oldestTS   time.Time
	offsetting []models.Signal
	signals    []models.Signal
}

// NewSignalCollector creates a SignalCollector.
func NewSignalCollector(store storage.Store, contracts *cache.Contracts, ids *idgen.Allocator, cfg CollectorConfig, logger *log.Logger) *SignalCollector {
	return &SignalCollector{
		store:     store,
		contracts: contracts,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		collector: make(map[string]map[models.Action][]models.Signal),
	}
}

// OnSignal adds a signal to its code/action batch.
func (sc *SignalCollector) OnSignal(signal models.Signal) {
	sc.logger.Printf("INFO collector: signal %s %s %s qty=%d price=%s",
		signal.ID, signal.Code, signal.Action, signal.Quantity, signal.Price)
	if _, ok := sc.collector[signal.Code]; !ok {
		sc.collector[signal.Code] = make(map[models.Action][]models.Signal)
	}
	sc.collector[signal.Code][signal.Action] = append(sc.collector[signal.Code][signal.Action], signal)
	sc.lastTS = time.Now()
	if sc.oldestTS.IsZero() {
		sc.oldestTS = sc.lastTS
	}
}

// offsetInterval returns how long a batch is held open for opposing
// signals to arrive: 60s before the 09:00 open, 5s in debug, 0 in session.
func (sc *SignalCollector) offsetInterval() time.Duration {
	if market.Now().Hour() < 9 {
		return 60 * time.Second
	}
	if sc.cfg.Debug {
		return 5 * time.Second
	}
	return 0
}

// CheckSignals reports whether the offset window has elapsed and, if so,
// drains every pending batch through the offsetting algorithm. After a
// true return the released and offsetting signals are available via
// ReleasedSignals and ExecuteOffsettingSignals.
func (sc *SignalCollector) CheckSignals() bool {
	interval := sc.offsetInterval()
	held := time.Since(sc.lastTS)
	if held < interval {
		// Max-hold override: a continuous stream keeps refreshing lastTS,
		// so the oldest pending signal bounds the wait instead.
		if sc.oldestTS.IsZero() || sc.cfg.MaxHold <= 0 || time.Since(sc.oldestTS) < sc.cfg.MaxHold {
			return false
		}
	}

	for code, batch := range sc.collector {
		delete(sc.collector, code)
		sc.offsetBatch(batch)
	}
	sc.oldestTS = time.Time{}

	return len(sc.signals) > 0 || len(sc.offsetting) > 0
}

// offsetBatch walks the buy and sell lists of one code in order, producing
// equal-and-opposite offset pairs with qty = min(b, s), and releases the
// reduced remainders (including zero-quantity ones) for execution.
func (sc *SignalCollector) offsetBatch(batch map[models.Action][]models.Signal) {
	buys, hasBuys := batch[models.ActionBuy]
	sells, hasSells := batch[models.ActionSell]
	if !hasBuys && !hasSells {
		return
	}
	if !hasSells || len(sells) == 0 {
		sc.signals = append(sc.signals, buys...)
		return
	}
	if !hasBuys || len(buys) == 0 {
		sc.signals = append(sc.signals, sells...)
		return
	}

	for si := range sells {
		if sells[si].Quantity == 0 {
			continue
		}
		for bi := range buys {
			if buys[bi].Quantity == 0 {
				continue
			}
			offsetQty := buys[bi].Quantity
			if sells[si].Quantity < offsetQty {
				offsetQty = sells[si].Quantity
			}
			offsetBuy := buys[bi]
			offsetBuy.Quantity = offsetQty
			offsetSell := sells[si]
			offsetSell.Quantity = offsetQty
			buys[bi].Quantity -= offsetQty
			sells[si].Quantity -= offsetQty
			sc.offsetting = append(sc.offsetting, offsetBuy, offsetSell)

			if sells[si].Quantity == 0 {
				break
			}
		}
	}

	sc.signals = append(sc.signals, buys...)
	sc.signals = append(sc.signals, sells...)
}

// ReleasedSignals drains and returns the signals released for real
// execution.
func (sc *SignalCollector) ReleasedSignals() []models.Signal {
	out := sc.signals
	sc.signals = nil
	return out
}

// ExecuteOffsettingSignals records each pending offset signal as a mock
// order plus a mock trade filled at the contract's reference price.
func (sc *SignalCollector) ExecuteOffsettingSignals(ctx context.Context) {
	for _, signal := range sc.offsetting {
		if err := sc.placeMockOrder(ctx, signal); err != nil {
			sc.logger.Printf("ERROR collector: place mock order for signal %s: %v", signal.ID, err)
		}
	}
	sc.offsetting = nil
}

// PendingOffsets returns a copy of the not-yet-executed offset pairs, for
// inspection in tests.
func (sc *SignalCollector) PendingOffsets() []models.Signal {
	out := make([]models.Signal, len(sc.offsetting))
	copy(out, sc.offsetting)
	return out
}

func (sc *SignalCollector) placeMockOrder(ctx context.Context, signal models.Signal) error {
	now := market.Now()
	order := models.BrokerOrder{
		SignalID:     signal.ID,
		SFDate:       signal.SDate,
		SFTime:       now,
		StrategyID:   signal.StrategyID,
		SecurityType: signal.SecurityType,
		Code:         signal.Code,
		OrderType:    signal.OrderType,
		PriceType:    signal.PriceType,
		Action:       signal.Action,
		Quantity:     signal.Quantity,
		Price:        signal.Price,
	}
	if err := sc.store.SaveSF31Order(ctx, &order); err != nil {
		return err
	}
	orderCB := sc.mockOrderCallback(order)
	if err := sc.store.SaveOrder(ctx, &orderCB); err != nil {
		return err
	}
	order.OrderID = orderCB.OrderID
	if err := sc.store.UpdateSF31Order(ctx, &order); err != nil {
		return err
	}
	tradeCB, err := sc.mockTradeCallback(orderCB)
	if err != nil {
		return err
	}
	return sc.store.SaveTrade(ctx, &tradeCB)
}

// mockOrderCallback synthesizes the broker acknowledgement an offset pair
// never receives. Fills are stamped no earlier than the 09:00 open.
func (sc *SignalCollector) mockOrderCallback(order models.BrokerOrder) models.Order {
	orderTime := order.SFTime
	open := time.Date(orderTime.Year(), orderTime.Month(), orderTime.Day(), 9, 0, 0, 0, orderTime.Location())
	if orderTime.Before(open) {
		orderTime = open
	}
	return models.Order{
		TraderID:     "000",
		Strategy:     order.StrategyID,
		OrderID:      sc.ids.OrderID(),
		SecurityType: order.SecurityType,
		OrderDate:    order.SFDate,
		OrderTime:    orderTime,
		Code:         order.Code,
		Action:       order.Action,
		OrderPrice:   order.Price,
		OrderQty:     order.Quantity,
		OrderType:    order.OrderType,
		PriceType:    order.PriceType,
		Status:       "New",
		Msg:          "",
	}
}

// mockTradeCallback synthesizes the fill, priced at the contract's
// reference (previous close) for the internal crossing.
func (sc *SignalCollector) mockTradeCallback(orderCB models.Order) (models.Trade, error) {
	contract, err := sc.contracts.Get(orderCB.Code)
	if err != nil {
		return models.Trade{}, err
	}
	return models.Trade{
		TraderID:     orderCB.TraderID,
		Strategy:     orderCB.Strategy,
		OrderID:      orderCB.OrderID,
		OrderType:    orderCB.OrderType,
		Seqno:        sc.ids.Seqno(),
		SecurityType: orderCB.SecurityType,
		TradeDate:    orderCB.OrderDate,
		TradeTime:    orderCB.OrderTime,
		Code:         orderCB.Code,
		Action:       orderCB.Action,
		Price:        contract.Reference,
		Qty:          orderCB.OrderQty,
	}, nil
}

// Package engine owns the timed schedule, the event queues, the worker
// lifetimes, and the signal/order/trade correlation pipeline. It is the
// only component that talks to every other one: observer output flows
// through the risk manager into the order manager, broker callbacks are
// correlated against placed orders with bounded retry, and quote refreshes
// are fanned out to the exit handler.
package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/dashboard"
	"github.com/elsonly/bunny-order/internal/exithandler"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
	"github.com/elsonly/bunny-order/internal/observer"
	"github.com/elsonly/bunny-order/internal/ordermanager"
	"github.com/elsonly/bunny-order/internal/risk"
	"github.com/elsonly/bunny-order/internal/scheduler"
	"github.com/elsonly/bunny-order/internal/storage"
)

// Caches bundles the shared reference caches the engine keeps fresh.
type Caches struct {
	Strategies      *cache.Strategies
	Positions       *cache.Positions
	Contracts       *cache.Contracts
	Snapshots       *cache.Snapshots
	TradingDates    *cache.TradingDates
	ComingDividends *cache.ComingDividends
}

// NewCaches builds the cache set from the configured tolerances.
func NewCaches(cfg *config.Config) *Caches {
	tolerance := time.Duration(cfg.CacheToleranceSeconds) * time.Second
	return &Caches{
		Strategies:      cache.NewStrategies(tolerance, cfg.Debug),
		Positions:       cache.NewPositions(tolerance, cfg.Debug),
		Contracts:       cache.NewContracts(cfg.Debug),
		Snapshots:       cache.NewSnapshots(tolerance, cfg.Debug),
		TradingDates:    cache.NewTradingDates(cfg.Debug),
		ComingDividends: cache.NewComingDividends(cfg.Debug),
	}
}

type retryOrder struct {
	count int
	order models.Order
}

type retryTrade struct {
	count int
	trade models.Trade
}

// Engine wires the workers together and runs the main dispatch loop.
type Engine struct {
	cfg    *config.Config
	store  storage.Store
	caches *Caches
	rm     *risk.Manager
	ids    *idgen.Allocator
	sched  *scheduler.Scheduler
	logger *log.Logger

	observer    *observer.Observer
	orderMgr    *ordermanager.OrderManager
	exitHandler *exithandler.ExitHandler
	broadcaster *dashboard.Broadcaster

	observerOut chan models.Event
	omIn        chan models.Event
	placed      chan models.BrokerOrder
	exitIn      chan models.Event
	exitOut     chan models.Event

	// Correlation state, owned by the engine loop only.
	unhandledOrders         []models.BrokerOrder
	orderCallbacks          map[string]models.Order
	unhandledOrderCallbacks []retryOrder
	unhandledTradeCallbacks []retryTrade
}

// New creates the engine, its channels, and its three workers.
// broadcaster may be nil when the status surface is disabled.
func New(cfg *config.Config, store storage.Store, broadcaster *dashboard.Broadcaster, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	caches := NewCaches(cfg)
	ids := idgen.New()

	e := &Engine{
		cfg:            cfg,
		store:          store,
		caches:         caches,
		ids:            ids,
		sched:          scheduler.New(logger),
		logger:         logger,
		broadcaster:    broadcaster,
		observerOut:    make(chan models.Event, 1024),
		omIn:           make(chan models.Event, 1024),
		placed:         make(chan models.BrokerOrder, 256),
		exitIn:         make(chan models.Event, 16),
		exitOut:        make(chan models.Event, 256),
		orderCallbacks: make(map[string]models.Order),
	}

	e.rm = risk.NewManager(
		caches.Strategies, caches.Contracts, caches.Positions,
		caches.ComingDividends, caches.TradingDates,
		risk.AmountLimits{DailyLimit: cfg.OrderManager.DailyAmountLimit},
		cfg.Debug, logger,
	)

	obs, err := observer.New(observer.Paths{
		BasePath:       cfg.Observer.BasePath,
		SignalsDir:     cfg.Observer.XQSignalsDir,
		CallbackDir:    cfg.Observer.OrderCallbackDir,
		OrderFile:      cfg.Observer.OrderCallbackFile,
		TradeFile:      cfg.Observer.TradeCallbackFile,
		PositionFile:   cfg.Observer.PositionCallbackFile,
		CheckpointsDir: cfg.CheckpointsDir,
	}, caches.Strategies, ids, cfg.Engine.UnmappedStrategy,
		time.Duration(cfg.Observer.PollIntervalMs)*time.Millisecond, logger)
	if err != nil {
		return nil, err
	}
	e.observer = obs

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveFailures: cfg.OrderManager.CBMaxConsecutiveFailures,
		MaxFailuresPerHour:     cfg.OrderManager.CBMaxFailuresPerHour,
		CooldownMinutes:        cfg.OrderManager.CBCooldownMinutes,
	}, logger)
	e.orderMgr = ordermanager.New(cfg, caches.Strategies, caches.Contracts,
		caches.TradingDates, store, ids, breaker, e.omIn, e.placed, logger)

	eh, err := exithandler.New(cfg, caches.Strategies, caches.Positions,
		caches.Contracts, caches.TradingDates, ids, e.exitIn, e.exitOut, logger)
	if err != nil {
		return nil, err
	}
	e.exitHandler = eh

	e.registerJobs()
	return e, nil
}

func (e *Engine) registerJobs() {
	e.sched.RegisterJob(scheduler.Job{
		Name: "reset1", Type: scheduler.JobTypeDaily,
		At:      e.cfg.Engine.ResetTime1,
		RunFunc: func(ctx context.Context) error { return e.reset(ctx) },
	})
	e.sched.RegisterJob(scheduler.Job{
		Name: "reset2", Type: scheduler.JobTypeDaily,
		At:      e.cfg.Engine.ResetTime2,
		RunFunc: func(ctx context.Context) error { return e.reset(ctx) },
	})
	e.sched.RegisterJob(scheduler.Job{
		Name: "update-contracts", Type: scheduler.JobTypeDaily,
		At:      e.cfg.Engine.UpdateContractsTime,
		RunFunc: e.updateContracts,
	})
	e.sched.RegisterJob(scheduler.Job{
		Name: "sync", Type: scheduler.JobTypeInterval,
		Every: time.Duration(e.cfg.Engine.SyncIntervalSeconds) * time.Second,
		Gate: func(now time.Time) bool {
			return e.cfg.IsSyncTime(now) && e.caches.TradingDates.IsTradingDate(market.Today())
		},
		RunFunc: func(ctx context.Context) error {
			if err := e.sync(ctx); err != nil {
				return err
			}
			if !e.caches.Contracts.CheckUpdated() {
				return e.updateContracts(ctx)
			}
			return nil
		},
	})
	e.sched.RegisterJob(scheduler.Job{
		Name: "snapshot", Type: scheduler.JobTypeInterval,
		Every: time.Duration(e.cfg.Engine.SnapshotIntervalSec) * time.Second,
		Gate: func(now time.Time) bool {
			return e.cfg.IsTradeTime(now) && e.caches.TradingDates.IsTradingDate(market.Today())
		},
		RunFunc: e.updateSnapshots,
	})
}

// Run starts the workers and drives the main dispatch loop until ctx is
// cancelled. On return all workers have been joined (or abandoned after a
// 10s timeout).
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("INFO engine: start")

	if err := e.Bootstrap(ctx); err != nil {
		e.logger.Printf("WARN engine: initial reference sync: %v", err)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.observer.Run(workerCtx, e.observerOut) }()
	go func() { defer wg.Done(); e.orderMgr.Run(workerCtx) }()
	go func() { defer wg.Done(); e.exitHandler.Run(workerCtx) }()

	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("INFO engine: shutdown")
			stopWorkers()
			return e.join(&wg)
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Printf("ERROR engine: recovered: %v", r)
				}
			}()
			e.iterate(ctx)
		}()
	}
}

// iterate is one pass of the main loop: run due jobs, gate on the signal
// window, then drain every queue.
func (e *Engine) iterate(ctx context.Context) {
	e.sched.RunDue(ctx)

	if !e.cfg.IsSignalTime(market.Now()) {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
		}
		return
	}

	e.drainPlaced()
	e.drainRetryQueues(ctx)
	e.drainObserver(ctx)
	e.drainExitHandler(ctx)

	time.Sleep(10 * time.Millisecond)
}

func (e *Engine) join(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		e.logger.Printf("WARN engine: worker join timed out")
		return nil
	}
}

// drainPlaced moves orders the order manager wrote to the broker log into
// the engine's correlation queue.
func (e *Engine) drainPlaced() {
	for {
		select {
		case order := <-e.placed:
			e.unhandledOrders = append(e.unhandledOrders, order)
		default:
			return
		}
	}
}

func (e *Engine) drainRetryQueues(ctx context.Context) {
	pendingOrders := e.unhandledOrderCallbacks
	e.unhandledOrderCallbacks = nil
	for _, r := range pendingOrders {
		e.onOrderCallback(ctx, r.order, r.count)
	}

	pendingTrades := e.unhandledTradeCallbacks
	e.unhandledTradeCallbacks = nil
	for _, r := range pendingTrades {
		e.onTradeCallback(ctx, r.trade, r.count)
	}
}

func (e *Engine) drainObserver(ctx context.Context) {
	for {
		select {
		case ev := <-e.observerOut:
			switch ev.Kind {
			case models.EventSignal:
				e.onSignal(ctx, ev.Signal)
			case models.EventOrderCallback:
				e.onOrderCallback(ctx, ev.Order, 0)
			case models.EventTradeCallback:
				e.onTradeCallback(ctx, ev.Trade, 0)
			case models.EventPositionsCallback:
				e.onPositionsCallback(ctx, ev.Positions)
			default:
				e.logger.Printf("WARN engine: invalid observer event: %s", ev.Kind)
			}
		default:
			return
		}
	}
}

func (e *Engine) drainExitHandler(ctx context.Context) {
	for {
		select {
		case ev := <-e.exitOut:
			if ev.Kind == models.EventSignal {
				e.onSignal(ctx, ev.Signal)
			} else {
				e.logger.Printf("WARN engine: invalid exit handler event: %s", ev.Kind)
			}
		default:
			return
		}
	}
}

// onSignal risk-validates a signal, forwards approved ones to the order
// manager, and persists every one with its decision.
func (e *Engine) onSignal(ctx context.Context, signal models.Signal) {
	validated, decision := e.rm.Validate(signal)
	if decision.Approved {
		select {
		case e.omIn <- models.Event{Kind: models.EventSignal, Signal: validated}:
		case <-ctx.Done():
			return
		}
		if validated.Source == models.SignalSourceExitHandler {
			e.broadcast(dashboard.ExitEmitted(validated))
		}
	} else {
		e.broadcast(dashboard.RiskRejected(validated, decision.Reason))
	}
	if err := e.store.SaveSignal(ctx, &validated); err != nil {
		e.logger.Printf("ERROR engine: save signal %s: %v", validated.ID, err)
	}
}

// mapOrderCallback scans the placed-order queue FIFO for the broker order
// this callback acknowledges. On a match the broker order learns its
// order_id and the callback learns its strategy.
func (e *Engine) mapOrderCallback(ctx context.Context, order *models.Order) bool {
	for i := range e.unhandledOrders {
		sf31 := &e.unhandledOrders[i]
		if order.OrderDate.Equal(sf31.SFDate) &&
			order.Code == sf31.Code &&
			order.Action == sf31.Action &&
			order.OrderQty == sf31.Quantity &&
			order.OrderPrice.Equal(sf31.Price) &&
			order.OrderType == sf31.OrderType {
			sf31.OrderID = order.OrderID
			order.Strategy = sf31.StrategyID
			if err := e.store.UpdateSF31Order(ctx, sf31); err != nil {
				e.logger.Printf("ERROR engine: update sf31 order %s: %v", sf31.SignalID, err)
			}
			e.unhandledOrders = append(e.unhandledOrders[:i], e.unhandledOrders[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) onOrderCallback(ctx context.Context, order models.Order, retryCounter int) {
	if e.mapOrderCallback(ctx, &order) {
		e.orderCallbacks[order.OrderID] = order
		if err := e.store.SaveOrder(ctx, &order); err != nil {
			e.logger.Printf("ERROR engine: save order %s: %v", order.OrderID, err)
		}
		return
	}

	if retryCounter < e.cfg.Engine.MaxRetriesOrder {
		e.unhandledOrderCallbacks = append(e.unhandledOrderCallbacks,
			retryOrder{count: retryCounter + 1, order: order})
		return
	}

	// Retries exhausted: persist with the unmapped-strategy sentinel the
	// parser stamped on it.
	e.orderCallbacks[order.OrderID] = order
	e.logger.Printf("WARN engine: cannot map order callback to sf31 order | order_id=%s code=%s qty=%d",
		order.OrderID, order.Code, order.OrderQty)
	e.broadcast(dashboard.CorrelationExhausted("order", order.OrderID, order.Strategy))
	if err := e.store.SaveOrder(ctx, &order); err != nil {
		e.logger.Printf("ERROR engine: save order %s: %v", order.OrderID, err)
	}
}

func (e *Engine) onTradeCallback(ctx context.Context, trade models.Trade, retryCounter int) {
	if cb, ok := e.orderCallbacks[trade.OrderID]; ok {
		trade.Strategy = cb.Strategy
		if err := e.store.SaveTrade(ctx, &trade); err != nil {
			e.logger.Printf("ERROR engine: save trade %s/%s: %v", trade.OrderID, trade.Seqno, err)
		}
		return
	}

	if retryCounter < e.cfg.Engine.MaxRetriesTrade {
		e.unhandledTradeCallbacks = append(e.unhandledTradeCallbacks,
			retryTrade{count: retryCounter + 1, trade: trade})
		return
	}

	e.logger.Printf("WARN engine: cannot map trade to order | order_id=%s seqno=%s", trade.OrderID, trade.Seqno)
	e.broadcast(dashboard.CorrelationExhausted("trade", trade.OrderID, trade.Strategy))
	if err := e.store.SaveTrade(ctx, &trade); err != nil {
		e.logger.Printf("ERROR engine: save trade %s/%s: %v", trade.OrderID, trade.Seqno, err)
	}
}

func (e *Engine) onPositionsCallback(ctx context.Context, positions []models.PositionCallback) {
	if err := e.store.SavePositionsCallback(ctx, positions); err != nil {
		e.logger.Printf("ERROR engine: save positions callback: %v", err)
	}
}

// Bootstrap performs the full startup sync: strategies,
// positions, contracts, trading dates, and coming dividends.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.sync(ctx); err != nil {
		return err
	}
	if err := e.updateContracts(ctx); err != nil {
		return err
	}
	return e.syncDaily(ctx)
}

func (e *Engine) sync(ctx context.Context) error {
	strategies, err := e.store.GetStrategies(ctx)
	if err != nil {
		return err
	}
	e.caches.Strategies.Update(strategies)

	positions, err := e.store.GetPositions(ctx)
	if err != nil {
		return err
	}
	e.caches.Positions.Update(positions)
	return nil
}

func (e *Engine) updateContracts(ctx context.Context) error {
	contracts, err := e.store.GetContracts(ctx)
	if err != nil {
		return err
	}
	e.caches.Contracts.Update(contracts)
	return nil
}

// syncDaily refreshes the once-per-day reference sets.
func (e *Engine) syncDaily(ctx context.Context) error {
	dates, err := e.store.GetTradingDates(ctx)
	if err != nil {
		return err
	}
	e.caches.TradingDates.Update(market.NewCalendar(dates))

	dividends, err := e.store.GetComingDividends(ctx)
	if err != nil {
		return err
	}
	e.caches.ComingDividends.Update(dividends)
	return nil
}

// updateSnapshots refreshes quotes for every held code and posts one Quote
// event to the exit handler.
func (e *Engine) updateSnapshots(ctx context.Context) error {
	codes := e.caches.Positions.Codes()
	if len(codes) == 0 {
		return nil
	}
	snapshots, err := e.store.GetQuoteSnapshots(ctx, codes)
	if err != nil {
		return err
	}
	e.caches.Snapshots.Update(snapshots)

	select {
	case e.exitIn <- models.Event{Kind: models.EventQuote, Quotes: snapshots}:
	default:
		// The exit handler is behind; it will see the next refresh.
	}
	return nil
}

// reset is the twice-daily lifecycle point: correlation state, callback
// files, signal files, broker order logs, and checkpoints are all cleared,
// then reference data is re-synced.
func (e *Engine) reset(ctx context.Context) error {
	e.logger.Printf("INFO engine: reset")

	e.unhandledOrders = nil
	e.orderCallbacks = make(map[string]models.Order)
	e.unhandledOrderCallbacks = nil
	e.unhandledTradeCallbacks = nil
	for {
		select {
		case <-e.placed:
			continue
		default:
		}
		break
	}

	e.emptySignalDir()
	e.truncateCallbackFiles()
	e.truncateBrokerOrderLogs()

	e.observer.ResetCheckpoints()
	e.exitHandler.Reset()
	e.rm.ResetDailyAmount()

	e.broadcast(dashboard.ResetFired())

	if err := e.sync(ctx); err != nil {
		return err
	}
	if err := e.updateContracts(ctx); err != nil {
		return err
	}
	return e.syncDaily(ctx)
}

func (e *Engine) emptySignalDir() {
	dir := filepath.Join(e.cfg.Observer.BasePath, e.cfg.Observer.XQSignalsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			e.logger.Printf("ERROR engine: remove signal file %s: %v", entry.Name(), err)
		}
	}
}

func (e *Engine) truncateCallbackFiles() {
	base := filepath.Join(e.cfg.Observer.BasePath, e.cfg.Observer.OrderCallbackDir)
	for _, name := range []string{e.cfg.Observer.OrderCallbackFile, e.cfg.Observer.TradeCallbackFile} {
		path := filepath.Join(base, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Truncate(path, 0); err != nil {
			e.logger.Printf("ERROR engine: truncate callback file %s: %v", name, err)
		}
	}
}

func (e *Engine) truncateBrokerOrderLogs() {
	root := filepath.Join(e.cfg.Observer.BasePath, e.cfg.Observer.SF31OrdersDir)
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".log") {
			return nil
		}
		if terr := os.Truncate(path, 0); terr != nil {
			e.logger.Printf("ERROR engine: truncate broker order log %s: %v", path, terr)
		}
		return nil
	})
}

func (e *Engine) broadcast(ev dashboard.Event) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(ev)
	}
}

// Status summarizes cache freshness and queue depths for the status CLI
// and the dashboard.
type Status struct {
	StrategiesFresh      bool `json:"strategies_fresh"`
	PositionsFresh       bool `json:"positions_fresh"`
	ContractsFresh       bool `json:"contracts_fresh"`
	SnapshotsFresh       bool `json:"snapshots_fresh"`
	TradingDatesFresh    bool `json:"trading_dates_fresh"`
	ComingDividendsFresh bool `json:"coming_dividends_fresh"`
	UnhandledOrders      int  `json:"unhandled_orders"`
	PendingOrderRetries  int  `json:"pending_order_retries"`
	PendingTradeRetries  int  `json:"pending_trade_retries"`
	ObserverQueueDepth   int  `json:"observer_queue_depth"`
}

// Status reports the engine's current health snapshot.
func (e *Engine) Status() Status {
	return Status{
		StrategiesFresh:      e.caches.Strategies.CheckUpdated(),
		PositionsFresh:       e.caches.Positions.CheckUpdated(),
		ContractsFresh:       e.caches.Contracts.CheckUpdated(),
		SnapshotsFresh:       e.caches.Snapshots.CheckUpdated(),
		TradingDatesFresh:    e.caches.TradingDates.CheckUpdated(),
		ComingDividendsFresh: e.caches.ComingDividends.CheckUpdated(),
		UnhandledOrders:      len(e.unhandledOrders),
		PendingOrderRetries:  len(e.unhandledOrderCallbacks),
		PendingTradeRetries:  len(e.unhandledTradeCallbacks),
		ObserverQueueDepth:   len(e.observerOut),
	}
}

// ForceReset runs one reset cycle immediately, for the reset CLI command.
func (e *Engine) ForceReset(ctx context.Context) error {
	return e.reset(ctx)
}

package ordermanager

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elsonly/bunny-order/internal/cache"
	"github.com/elsonly/bunny-order/internal/config"
	"github.com/elsonly/bunny-order/internal/idgen"
	"github.com/elsonly/bunny-order/internal/market"
	"github.com/elsonly/bunny-order/internal/models"
)

// fakeStore records persisted entities for assertions.
type fakeStore struct {
	signals    []models.Signal
	sf31Orders []models.BrokerOrder
	sf31Update []models.BrokerOrder
	orders     []models.Order
	trades     []models.Trade
}

func (f *fakeStore) GetStrategies(context.Context) (map[int]models.Strategy, error) { return nil, nil }
func (f *fakeStore) GetPositions(context.Context) (map[int]map[string]models.Position, error) {
	return nil, nil
}
func (f *fakeStore) GetContracts(context.Context) (map[string]models.Contract, error) {
	return nil, nil
}
func (f *fakeStore) GetComingDividends(context.Context) (map[string]models.ComingDividend, error) {
	return nil, nil
}
func (f *fakeStore) GetTradingDates(context.Context) ([]time.Time, error) { return nil, nil }
func (f *fakeStore) GetQuoteSnapshots(context.Context, []string) (map[string]models.QuoteSnapshot, error) {
	return nil, nil
}
func (f *fakeStore) SaveSignal(_ context.Context, s *models.Signal) error {
	f.signals = append(f.signals, *s)
	return nil
}
func (f *fakeStore) SaveSF31Order(_ context.Context, o *models.BrokerOrder) error {
	f.sf31Orders = append(f.sf31Orders, *o)
	return nil
}
func (f *fakeStore) UpdateSF31Order(_ context.Context, o *models.BrokerOrder) error {
	f.sf31Update = append(f.sf31Update, *o)
	return nil
}
func (f *fakeStore) SaveOrder(_ context.Context, o *models.Order) error {
	f.orders = append(f.orders, *o)
	return nil
}
func (f *fakeStore) SaveTrade(_ context.Context, t *models.Trade) error {
	f.trades = append(f.trades, *t)
	return nil
}
func (f *fakeStore) SavePositionsCallback(context.Context, []models.PositionCallback) error {
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", 0)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func buySignal(id string, qty int64) models.Signal {
	return models.Signal{
		ID: id, Source: models.SignalSourceUpstream,
		SDate: market.Today(), STime: market.Now(),
		StrategyID: 1, SecurityType: models.SecurityTypeStock,
		Code: "2330", OrderType: models.OrderTypeROD, PriceType: models.PriceTypeLMT,
		Action: models.ActionBuy, Quantity: qty, Price: dec("500"),
	}
}

func sellSignal(id string, qty int64) models.Signal {
	s := buySignal(id, qty)
	s.Action = models.ActionSell
	return s
}

func newCollector(store *fakeStore, contracts *cache.Contracts) *SignalCollector {
	return NewSignalCollector(store, contracts, idgen.New(), CollectorConfig{Debug: true}, testLogger())
}

func contractsWith(code, reference string) *cache.Contracts {
	c := cache.NewContracts(true)
	c.Update(map[string]models.Contract{
		code: {
			Code: code, Name: code,
			Reference: dec(reference),
			LimitUp:   dec(reference).Mul(dec("1.1")),
			LimitDown: dec(reference).Mul(dec("0.9")),
		},
	})
	return c
}

func TestOffsetEqualCounts(t *testing.T) {
	store := &fakeStore{}
	sc := newCollector(store, contractsWith("2330", "500"))

	sc.collector["2330"] = map[models.Action][]models.Signal{
		models.ActionBuy:  {buySignal("b1", 4)},
		models.ActionSell: {sellSignal("s1", 4)},
	}
	sc.offsetBatch(sc.collector["2330"])

	offsets := sc.PendingOffsets()
	if len(offsets) != 2 {
		t.Fatalf("expected one offsetting pair (2 signals), got %d", len(offsets))
	}
	if offsets[0].Quantity != 4 || offsets[1].Quantity != 4 {
		t.Errorf("offset quantities = %d, %d, want 4, 4", offsets[0].Quantity, offsets[1].Quantity)
	}
	if offsets[0].Action == offsets[1].Action {
		t.Error("offsetting pair must hold opposite actions")
	}

	released := sc.ReleasedSignals()
	if len(released) != 2 {
		t.Fatalf("expected 2 released remainders, got %d", len(released))
	}
	for _, s := range released {
		if s.Quantity != 0 {
			t.Errorf("remainder %s quantity = %d, want 0", s.ID, s.Quantity)
		}
	}
}

func TestOffsetUnequalCounts(t *testing.T) {
	store := &fakeStore{}
	sc := newCollector(store, contractsWith("2330", "500"))

	batch := map[models.Action][]models.Signal{
		models.ActionBuy:  {buySignal("b1", 2), buySignal("b2", 2)},
		models.ActionSell: {sellSignal("s1", 4)},
	}
	sc.offsetBatch(batch)

	offsets := sc.PendingOffsets()
	if len(offsets) != 4 {
		t.Fatalf("expected 2 offsetting pairs (4 signals), got %d", len(offsets))
	}
	for _, s := range offsets {
		if s.Quantity != 2 {
			t.Errorf("offset quantity = %d, want 2", s.Quantity)
		}
	}
	for _, s := range sc.ReleasedSignals() {
		if s.Quantity != 0 {
			t.Errorf("remainder %s quantity = %d, want 0", s.ID, s.Quantity)
		}
	}
}

func TestOffsetConservation(t *testing.T) {
	store := &fakeStore{}
	sc := newCollector(store, contractsWith("2330", "500"))

	buysIn := []models.Signal{buySignal("b1", 7), buySignal("b2", 3)}
	sellsIn := []models.Signal{sellSignal("s1", 4)}
	var sumBuyIn, sumSellIn int64
	for _, s := range buysIn {
		sumBuyIn += s.Quantity
	}
	for _, s := range sellsIn {
		sumSellIn += s.Quantity
	}

	batch := map[models.Action][]models.Signal{
		models.ActionBuy:  buysIn,
		models.ActionSell: sellsIn,
	}
	sc.offsetBatch(batch)

	var sumBuyOut, sumSellOut, offsetQty int64
	for _, s := range sc.ReleasedSignals() {
		if s.Action == models.ActionBuy {
			sumBuyOut += s.Quantity
		} else {
			sumSellOut += s.Quantity
		}
	}
	for _, s := range sc.PendingOffsets() {
		if s.Action == models.ActionBuy {
			offsetQty += s.Quantity
		}
	}

	if sumBuyIn-sumSellIn != sumBuyOut-sumSellOut {
		t.Errorf("net quantity not conserved: in %d, out %d", sumBuyIn-sumSellIn, sumBuyOut-sumSellOut)
	}
	wantOffset := sumSellIn
	if sumBuyIn < sumSellIn {
		wantOffset = sumBuyIn
	}
	if offsetQty != wantOffset {
		t.Errorf("total offset quantity = %d, want min(%d, %d)", offsetQty, sumBuyIn, sumSellIn)
	}
}

func TestOffsetSingleSideReleasesAll(t *testing.T) {
	store := &fakeStore{}
	sc := newCollector(store, contractsWith("2330", "500"))

	batch := map[models.Action][]models.Signal{
		models.ActionBuy: {buySignal("b1", 5)},
	}
	sc.offsetBatch(batch)

	if n := len(sc.PendingOffsets()); n != 0 {
		t.Errorf("expected no offsets for one-sided batch, got %d", n)
	}
	released := sc.ReleasedSignals()
	if len(released) != 1 || released[0].Quantity != 5 {
		t.Errorf("released = %+v, want one buy of 5", released)
	}
}

func TestExecuteOffsettingRecordsMockFillAtReference(t *testing.T) {
	store := &fakeStore{}
	sc := newCollector(store, contractsWith("2330", "500"))

	batch := map[models.Action][]models.Signal{
		models.ActionBuy:  {buySignal("b1", 4)},
		models.ActionSell: {sellSignal("s1", 4)},
	}
	sc.offsetBatch(batch)
	sc.ReleasedSignals()
	sc.ExecuteOffsettingSignals(context.Background())

	if len(store.trades) != 2 {
		t.Fatalf("expected 2 mock trades, got %d", len(store.trades))
	}
	for _, tr := range store.trades {
		if !tr.Price.Equal(dec("500")) {
			t.Errorf("mock trade price = %s, want contract reference 500", tr.Price)
		}
		if len(tr.Seqno) != 12 {
			t.Errorf("mock seqno length = %d, want 12", len(tr.Seqno))
		}
	}
	if len(store.orders) != 2 {
		t.Fatalf("expected 2 mock orders, got %d", len(store.orders))
	}
	for _, o := range store.orders {
		if len(o.OrderID) != 5 {
			t.Errorf("mock order id length = %d, want 5", len(o.OrderID))
		}
	}
	// SF31 rows saved, then updated with the minted order id.
	if len(store.sf31Orders) != 2 || len(store.sf31Update) != 2 {
		t.Errorf("sf31 saves = %d, updates = %d, want 2 each", len(store.sf31Orders), len(store.sf31Update))
	}
}

func newTestOrderManager(t *testing.T, store *fakeStore, contracts *cache.Contracts, placed chan models.BrokerOrder) *OrderManager {
	t.Helper()
	cfg := &config.Config{
		Debug: true,
		Observer: config.ObserverConfig{
			BasePath:      t.TempDir(),
			SF31OrdersDir: "sf31_orders",
		},
		OrderManager: config.OrderManagerConfig{OffsetMaxHoldSeconds: 2},
	}
	strategies := cache.NewStrategies(time.Minute, true)
	olr := dec("-2.35")
	strategies.Update(map[int]models.Strategy{
		1: {ID: 1, Name: "edge", Status: true, LeverageRatio: dec("1"), OrderLowRatio: &olr},
	})
	tradingDates := cache.NewTradingDates(true)
	tradingDates.Update(market.NewCalendar([]time.Time{market.Today()}))

	in := make(chan models.Event, 8)
	return New(cfg, strategies, contracts, tradingDates, store, idgen.New(), nil, in, placed, testLogger())
}

func TestHalfHalfDecomposition(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.05"), placed)

	signal := buySignal("sig1", 12)
	signal.Price = dec("39.65")
	om.onSignal(context.Background(), signal)

	if len(store.sf31Orders) != 2 {
		t.Fatalf("expected 2 broker orders, got %d", len(store.sf31Orders))
	}
	first, second := store.sf31Orders[0], store.sf31Orders[1]
	if first.Quantity != 6 || !first.Price.Equal(dec("39.65")) {
		t.Errorf("first slice = qty %d price %s, want 6 @ 39.65", first.Quantity, first.Price)
	}
	// 44.05 * (1 - 0.0235) = 43.014825 -> snapped to 43.00
	if second.Quantity != 6 || !second.Price.Equal(dec("43.00")) {
		t.Errorf("second slice = qty %d price %s, want 6 @ 43.00", second.Quantity, second.Price)
	}

	if len(placed) != 2 {
		t.Errorf("expected 2 orders handed to engine, got %d", len(placed))
	}
}

func TestHalfHalfOddQuantityCeilsFirstSlice(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.00"), placed)

	signal := buySignal("sig1", 7)
	signal.Price = dec("39.65")
	om.onSignal(context.Background(), signal)

	if len(store.sf31Orders) != 2 {
		t.Fatalf("expected 2 broker orders, got %d", len(store.sf31Orders))
	}
	if store.sf31Orders[0].Quantity != 4 || store.sf31Orders[1].Quantity != 3 {
		t.Errorf("slices = %d, %d, want 4, 3",
			store.sf31Orders[0].Quantity, store.sf31Orders[1].Quantity)
	}
}

func TestSellGoesAsSingleLimitOrder(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.00"), placed)

	om.onSignal(context.Background(), sellSignal("sig1", 12))

	if len(store.sf31Orders) != 1 {
		t.Fatalf("expected 1 broker order for a sell, got %d", len(store.sf31Orders))
	}
	if store.sf31Orders[0].Quantity != 12 {
		t.Errorf("sell quantity = %d, want 12", store.sf31Orders[0].Quantity)
	}
}

func TestExitHandlerSignalGoesAsSingleLimitOrder(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.00"), placed)

	signal := buySignal("sig1", 12)
	signal.Source = models.SignalSourceExitHandler
	om.onSignal(context.Background(), signal)

	if len(store.sf31Orders) != 1 {
		t.Fatalf("expected 1 broker order for an exit signal, got %d", len(store.sf31Orders))
	}
}

func TestZeroQuantitySignalIsDropped(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.00"), placed)

	om.onSignal(context.Background(), buySignal("sig1", 0))

	if len(store.sf31Orders) != 0 {
		t.Errorf("fully-offset signal must not produce orders, got %d", len(store.sf31Orders))
	}
}

func TestPlaceOrderAppendsLogLine(t *testing.T) {
	store := &fakeStore{}
	placed := make(chan models.BrokerOrder, 4)
	om := newTestOrderManager(t, store, contractsWith("2330", "44.00"), placed)

	om.onSignal(context.Background(), sellSignal("sig1", 3))

	path := filepath.Join(om.sf31OrdersDir, "edge", "Sell.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read order log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	fields := strings.Split(line, ",")
	if len(fields) != 8 {
		t.Fatalf("order line has %d fields, want 8: %q", len(fields), line)
	}
	if fields[0] != "sig1" || fields[1] != "Stock" || fields[3] != "2330" ||
		fields[4] != "ROD" || fields[5] != "S" || fields[6] != "3" {
		t.Errorf("unexpected order line: %q", line)
	}
	if !strings.Contains(fields[2], ".") {
		t.Errorf("timestamp field should carry microseconds: %q", fields[2])
	}
}

func TestCollectorMaxHoldFlush(t *testing.T) {
	store := &fakeStore{}
	sc := NewSignalCollector(store, contractsWith("2330", "500"), idgen.New(),
		CollectorConfig{Debug: true, MaxHold: 10 * time.Millisecond}, testLogger())

	sc.OnSignal(buySignal("b1", 4))
	if sc.CheckSignals() {
		t.Fatal("collector should hold inside the debug offset window")
	}

	// Keep the stream continuous; the max-hold timer must still force a
	// flush once the oldest signal has waited past MaxHold.
	time.Sleep(20 * time.Millisecond)
	sc.OnSignal(buySignal("b2", 4))
	if !sc.CheckSignals() {
		t.Fatal("max-hold timer should force a flush under a continuous stream")
	}
	if n := len(sc.ReleasedSignals()); n != 2 {
		t.Errorf("released %d signals, want 2", n)
	}
}

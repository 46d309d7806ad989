// Package models defines the entities exchanged between the caches, the
// risk manager, the order manager, the exit handler, the observer, and the
// engine: strategies, contracts, positions, quotes, signals, and the broker
// order/trade/position callback shapes.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SecurityType is kept as a variant type for forward compatibility even
// though only Stock is used in practice.
type SecurityType string

const (
	SecurityTypeStock SecurityType = "Stock"
)

// Action is the side of a signal, order, or trade.
type Action string

const (
	ActionBuy  Action = "B"
	ActionSell Action = "S"
)

// Opposite returns the action that closes a position opened with a.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType is the broker order's time-in-force.
type OrderType string

const (
	OrderTypeROD OrderType = "ROD"
	OrderTypeIOC OrderType = "IOC"
	OrderTypeFOK OrderType = "FOK"
)

// PriceType selects how the order's price field is interpreted.
type PriceType string

const (
	PriceTypeLMT PriceType = "LMT"
	PriceTypeMKT PriceType = "MKT"
	PriceTypeMOP PriceType = "MOP"
)

// SignalSource distinguishes signals produced by upstream strategy files
// from signals produced internally by the exit handler.
type SignalSource string

const (
	SignalSourceUpstream    SignalSource = "Upstream"
	SignalSourceExitHandler SignalSource = "ExitHandler"
)

// ExitType records which exit rule produced a given exit signal.
type ExitType string

const (
	ExitByOutDate         ExitType = "ExitByOutDate"
	ExitByDaysProfitLimit ExitType = "ExitByDaysProfitLimit"
	ExitByTakeProfit      ExitType = "ExitByTakeProfit"
	ExitByStopLoss        ExitType = "ExitByStopLoss"
	ExitByProfitPullback  ExitType = "ExitByProfitPullback"
)

// RejectReason enumerates every reason the risk manager can reject a
// signal.
type RejectReason string

const (
	RejectStrategyNotFound            RejectReason = "StrategyNotFound"
	RejectStrategyInactive            RejectReason = "StrategyInactive"
	RejectDisableRaise                RejectReason = "DisableRaise"
	RejectInvalidTradeHour            RejectReason = "InvalidTradeHour"
	RejectContractOutdated            RejectReason = "ContractOutdated"
	RejectCannotParticipatingDividend RejectReason = "CannotParticipatingDividend"
	RejectInsufficientUnit            RejectReason = "InsufficientUnit"
	RejectDailyAmountLimitExceeded    RejectReason = "DailyAmountLimitExceeded"
	RejectStrategyAmountLimitExceeded RejectReason = "StrategyAmountLimitExceeded"
)

// Strategy is reference data refreshed periodically from the store.
type Strategy struct {
	ID                int
	Name              string
	Status            bool
	LeverageRatio     decimal.Decimal
	HoldingPeriod     *int // trading days; nil disables OutDate exit
	ExitStopLoss      *decimal.Decimal
	ExitTakeProfit    *decimal.Decimal
	ExitDPDays        *int
	ExitDPProfitLimit *decimal.Decimal
	PullbackRatio     *decimal.Decimal
	PullbackThreshold *decimal.Decimal
	OrderLowRatio     *decimal.Decimal // percent offset from reference price
	EnableRaise       bool
	EnableDividend    bool
}

// Contract is per-code reference pricing valid for a single trading date.
type Contract struct {
	Code       string
	Name       string
	Reference  decimal.Decimal
	LimitUp    decimal.Decimal
	LimitDown  decimal.Decimal
	UpdateDate time.Time // date-only; the trading date this row is current for
}

// Position is the FIFO position view for one (strategy, code) pair.
type Position struct {
	StrategyID     int
	Code           string
	Action         Action
	Quantity       int64
	CostAmount     decimal.Decimal
	AvgPrice       decimal.Decimal
	FirstEntryDate time.Time
	HighSinceEntry decimal.Decimal
	LowSinceEntry  decimal.Decimal
}

// QuoteSnapshot is a point-in-time quote tick for a code.
type QuoteSnapshot struct {
	Code                   string
	Timestamp              time.Time
	Open, High, Low, Close decimal.Decimal
	Volume                 int64 // incremental volume for this tick
	TotalVolume            int64 // cumulative volume for the session
	Amount                 decimal.Decimal
	TotalAmount            decimal.Decimal
	BidPrice, AskPrice     decimal.Decimal
	BidSize, AskSize       int64
}

// ComingDividend maps a code to its next ex-dividend date.
type ComingDividend struct {
	Code   string
	ExDate time.Time
}

// Signal is an instruction to enter or exit a position.
type Signal struct {
	ID           string
	Source       SignalSource
	SDate        time.Time // date-only
	STime        time.Time // wall-clock time-of-day, date component ignored
	StrategyID   int
	SecurityType SecurityType
	Code         string
	OrderType    OrderType
	PriceType    PriceType
	Action       Action
	Quantity     int64
	Price        decimal.Decimal
	ExitType     *ExitType

	RMValidated    bool
	RMRejectReason *RejectReason
}

// BrokerOrder (SF31Order) is a signal after decomposition, shaped for the
// downstream broker log.
type BrokerOrder struct {
	SignalID     string
	SFDate       time.Time
	SFTime       time.Time
	StrategyID   int
	SecurityType SecurityType
	Code         string
	OrderType    OrderType
	PriceType    PriceType
	Action       Action
	Quantity     int64
	Price        decimal.Decimal
	OrderID      string // assigned once the broker callback arrives
}

// Order is the broker's acknowledgement of a BrokerOrder.
type Order struct {
	TraderID     string
	Strategy     int
	OrderID      string
	SecurityType SecurityType
	OrderDate    time.Time
	OrderTime    time.Time
	Code         string
	Action       Action
	OrderPrice   decimal.Decimal
	OrderQty     int64
	OrderType    OrderType
	PriceType    PriceType
	Status       string // "New" or "Failed"
	Msg          string
}

// Trade is a fill event against a previously acknowledged order.
type Trade struct {
	TraderID     string
	Strategy     int
	OrderID      string
	OrderType    OrderType
	Seqno        string
	SecurityType SecurityType
	TradeDate    time.Time
	TradeTime    time.Time
	Code         string
	Action       Action
	Price        decimal.Decimal
	Qty          int64
}

// PositionCallback is one row of the broker's position snapshot feed.
type PositionCallback struct {
	TraderID  string
	Time      time.Time
	Code      string
	Shares    int64
	AvgPrice  decimal.Decimal
	ClosedPnL decimal.Decimal
	OpenPnL   decimal.Decimal
	PnLChg    decimal.Decimal
	CumReturn decimal.Decimal
}

// StrategyCode pairs a strategy id with a code it holds a position in.
type StrategyCode struct {
	StrategyID int
	Code       string
}

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventSignal            EventKind = "Signal"
	EventOrderCallback     EventKind = "OrderCallback"
	EventTradeCallback     EventKind = "TradeCallback"
	EventPositionsCallback EventKind = "PositionsCallback"
	EventQuote             EventKind = "Quote"
)

// Event is the single typed envelope passed over every inter-worker
// channel (observer → engine, engine → order manager, engine →
// exit handler). Exactly one of the payload fields is populated,
// selected by Kind.
type Event struct {
	Kind      EventKind
	Signal    Signal
	Order     Order
	Trade     Trade
	Positions []PositionCallback
	Quotes    map[string]QuoteSnapshot
}

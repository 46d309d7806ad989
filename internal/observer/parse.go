package observer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elsonly/bunny-order/internal/models"
	"github.com/shopspring/decimal"
)

// parseHHMMSS parses a variable-length time-of-day token into
// hour/minute/second by slicing from the right: the last four digits are
// minute+second, everything before that is the hour.
func parseHHMMSS(token string) (hour, minute, second int, err error) {
	n := len(token)
	if n < 4 || n > 6 {
		return 0, 0, 0, fmt.Errorf("observer: invalid HHMMSS token %q", token)
	}
	if n > 4 {
		hour, err = strconv.Atoi(token[:n-4])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("observer: invalid hour in %q: %w", token, err)
		}
	}
	minute, err = strconv.Atoi(token[n-4 : n-2])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("observer: invalid minute in %q: %w", token, err)
	}
	second, err = strconv.Atoi(token[n-2:])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("observer: invalid second in %q: %w", token, err)
	}
	return hour, minute, second, nil
}

func timeOfDay(hour, minute, second int) time.Time {
	return time.Date(0, 1, 1, hour, minute, second, 0, time.UTC)
}

// signalFilePrefixLen is the length of the <YYYYMMDD> date prefix in a
// "<YYYYMMDD>_<strategy name>.log" signal file name.
const signalFilePrefixLen = 8

// parseSignalFileName splits a signal log filename into its date and
// strategy-name components. Returns ok=false if the name doesn't match.
func parseSignalFileName(name string) (date string, strategy string, ok bool) {
	name = strings.TrimSuffix(name, ".log")
	if len(name) <= signalFilePrefixLen+1 || name[signalFilePrefixLen] != '_' {
		return "", "", false
	}
	date = name[:signalFilePrefixLen]
	strategy = name[signalFilePrefixLen+1:]
	if _, err := strconv.Atoi(date); err != nil {
		return "", "", false
	}
	return date, strategy, true
}

// parseSignalLine parses one line of a strategy signal log:
// "HHMMSS CODE.EX ORDER_TYPE ACTION QTY PRICE".
func parseSignalLine(date, line string) (models.Signal, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return models.Signal{}, fmt.Errorf("observer: short signal line: %q", line)
	}
	hour, minute, second, err := parseHHMMSS(fields[0])
	if err != nil {
		return models.Signal{}, err
	}
	sdate, err := time.Parse("20060102", date)
	if err != nil {
		return models.Signal{}, fmt.Errorf("observer: invalid signal date %q: %w", date, err)
	}
	qty, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return models.Signal{}, fmt.Errorf("observer: invalid quantity in %q: %w", line, err)
	}
	price, err := decimal.NewFromString(fields[5])
	if err != nil {
		return models.Signal{}, fmt.Errorf("observer: invalid price in %q: %w", line, err)
	}
	code := strings.SplitN(fields[1], ".", 2)[0]

	return models.Signal{
		Source:       models.SignalSourceUpstream,
		SDate:        sdate,
		STime:        timeOfDay(hour, minute, second),
		SecurityType: models.SecurityTypeStock,
		Code:         code,
		OrderType:    models.OrderType(fields[2]),
		PriceType:    models.PriceTypeLMT,
		Action:       models.Action(fields[3]),
		Quantity:     qty,
		Price:        price,
	}, nil
}

// glueMsgField rejoins a raw comma-split order/trade callback row whose msg
// field itself contained a comma, producing more than the expected field
// count. The surplus fields after msg (index 9) are re-glued into msg with
// a space, and the fields that follow msg (the date, plus the seqno on
// trade rows) keep their positions at the end of the row.
func glueMsgField(fields []string, expected int) []string {
	if len(fields) <= expected {
		return fields
	}
	extra := len(fields) - expected
	glued := strings.Join(fields[9:10+extra], " ")
	out := make([]string, 0, expected)
	out = append(out, fields[:9]...)
	out = append(out, glued)
	return append(out, fields[10+extra:]...)
}

func securityTypeFromCN(s string) models.SecurityType {
	if s == "現股" {
		return models.SecurityTypeStock
	}
	return models.SecurityType(s)
}

func actionFromWord(s string) models.Action {
	if s == "Buy" {
		return models.ActionBuy
	}
	return models.ActionSell
}

// parseOrderRow parses one broker order-callback row (11 fields after
// comma-glue fix-up):
// trader,order_id,SECTYPE_CN,HHMMSS,code,order_type,Buy|Sell,qty,price,msg,YYYY/MM/DD
func parseOrderRow(raw []string, unmappedSentinel int) (models.Order, error) {
	raw = glueMsgField(raw, 11)
	if len(raw) != 11 {
		return models.Order{}, fmt.Errorf("observer: malformed order row: %v", raw)
	}
	hour, minute, second, err := parseHHMMSS(raw[3])
	if err != nil {
		return models.Order{}, err
	}
	orderDate, err := time.Parse("2006/01/02", raw[10])
	if err != nil {
		return models.Order{}, fmt.Errorf("observer: invalid order date %q: %w", raw[10], err)
	}
	qty, err := strconv.ParseInt(raw[7], 10, 64)
	if err != nil {
		return models.Order{}, fmt.Errorf("observer: invalid order qty %q: %w", raw[7], err)
	}
	price, err := decimal.NewFromString(raw[8])
	if err != nil {
		return models.Order{}, fmt.Errorf("observer: invalid order price %q: %w", raw[8], err)
	}
	status := "New"
	if raw[9] != "" {
		status = "Failed"
	}
	return models.Order{
		TraderID:     raw[0],
		Strategy:     unmappedSentinel,
		OrderID:      raw[1],
		SecurityType: securityTypeFromCN(raw[2]),
		OrderDate:    orderDate,
		OrderTime:    timeOfDay(hour, minute, second),
		Code:         raw[4],
		Action:       actionFromWord(raw[6]),
		OrderPrice:   price,
		OrderQty:     qty,
		OrderType:    models.OrderType(raw[5]),
		PriceType:    models.PriceTypeLMT,
		Status:       status,
		Msg:          raw[9],
	}, nil
}

// parseTradeRow parses one broker trade-callback row (12 fields, the order
// row's prefix plus a trailing seqno).
func parseTradeRow(raw []string, unmappedSentinel int) (models.Trade, error) {
	raw = glueMsgField(raw, 12)
	if len(raw) != 12 {
		return models.Trade{}, fmt.Errorf("observer: malformed trade row: %v", raw)
	}
	hour, minute, second, err := parseHHMMSS(raw[3])
	if err != nil {
		return models.Trade{}, err
	}
	tradeDate, err := time.Parse("2006/01/02", raw[10])
	if err != nil {
		return models.Trade{}, fmt.Errorf("observer: invalid trade date %q: %w", raw[10], err)
	}
	qty, err := strconv.ParseInt(raw[7], 10, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("observer: invalid trade qty %q: %w", raw[7], err)
	}
	price, err := decimal.NewFromString(raw[8])
	if err != nil {
		return models.Trade{}, fmt.Errorf("observer: invalid trade price %q: %w", raw[8], err)
	}
	return models.Trade{
		TraderID:     raw[0],
		Strategy:     unmappedSentinel,
		OrderID:      raw[1],
		OrderType:    models.OrderType(raw[5]),
		Seqno:        raw[11],
		SecurityType: securityTypeFromCN(raw[2]),
		TradeDate:    tradeDate,
		TradeTime:    timeOfDay(hour, minute, second),
		Code:         raw[4],
		Action:       actionFromWord(raw[6]),
		Price:        price,
		Qty:          qty,
	}, nil
}

// parsePositionRow parses one broker position-callback row (10 fields).
// Rows beginning with a NUL byte are caller-skipped before reaching here.
func parsePositionRow(raw []string) (models.PositionCallback, error) {
	if len(raw) != 10 {
		return models.PositionCallback{}, fmt.Errorf("observer: malformed position row: %v", raw)
	}
	hour, minute, second, err := parseHHMMSS(raw[1])
	if err != nil {
		return models.PositionCallback{}, err
	}
	shares, err := strconv.ParseInt(raw[4], 10, 64)
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid shares %q: %w", raw[4], err)
	}
	avgPrice, err := decimal.NewFromString(raw[5])
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid avg price %q: %w", raw[5], err)
	}
	closedPnL, err := decimal.NewFromString(raw[6])
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid closed pnl %q: %w", raw[6], err)
	}
	openPnL, err := decimal.NewFromString(raw[7])
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid open pnl %q: %w", raw[7], err)
	}
	pnlChg, err := decimal.NewFromString(raw[8])
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid pnl chg %q: %w", raw[8], err)
	}
	cumReturn, err := decimal.NewFromString(raw[9])
	if err != nil {
		return models.PositionCallback{}, fmt.Errorf("observer: invalid cum return %q: %w", raw[9], err)
	}
	return models.PositionCallback{
		TraderID:  raw[0],
		Time:      timeOfDay(hour, minute, second),
		Code:      raw[3],
		Shares:    shares,
		AvgPrice:  avgPrice,
		ClosedPnL: closedPnL,
		OpenPnL:   openPnL,
		PnLChg:    pnlChg,
		CumReturn: cumReturn,
	}, nil
}

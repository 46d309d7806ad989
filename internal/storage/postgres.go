// Package storage - postgres.go provides the Postgres implementation of
// Store over database/sql with the pgx stdlib driver.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/elsonly/bunny-order/internal/models"
)

// PostgresStore implements the Store interface using Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against connStr and verifies it
// with a ping.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	if connStr == "" {
		return nil, fmt.Errorf("postgres store: connection string is required")
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// Ping verifies the connection is alive.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

func (ps *PostgresStore) GetStrategies(ctx context.Context) (map[int]models.Strategy, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT id, name, status, leverage_ratio, holding_period,
		       exit_stop_loss, exit_take_profit, exit_dp_days, exit_dp_profit_limit,
		       pullback_ratio, pullback_threshold, order_low_ratio,
		       enable_raise, enable_dividend
		FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get strategies: %w", err)
	}
	defer rows.Close()

	out := make(map[int]models.Strategy)
	for rows.Next() {
		var (
			s                                       models.Strategy
			leverage                                string
			holdingPeriod, dpDays                   sql.NullInt64
			stopLoss, takeProfit, dpLimit           sql.NullString
			pullbackRatio, pullbackThresh, lowRatio sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &leverage, &holdingPeriod,
			&stopLoss, &takeProfit, &dpDays, &dpLimit,
			&pullbackRatio, &pullbackThresh, &lowRatio,
			&s.EnableRaise, &s.EnableDividend); err != nil {
			return nil, fmt.Errorf("postgres store: scan strategy: %w", err)
		}
		if s.LeverageRatio, err = decimal.NewFromString(leverage); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d leverage_ratio: %w", s.ID, err)
		}
		s.HoldingPeriod = nullableInt(holdingPeriod)
		s.ExitDPDays = nullableInt(dpDays)
		if s.ExitStopLoss, err = nullableDecimal(stopLoss); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d exit_stop_loss: %w", s.ID, err)
		}
		if s.ExitTakeProfit, err = nullableDecimal(takeProfit); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d exit_take_profit: %w", s.ID, err)
		}
		if s.ExitDPProfitLimit, err = nullableDecimal(dpLimit); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d exit_dp_profit_limit: %w", s.ID, err)
		}
		if s.PullbackRatio, err = nullableDecimal(pullbackRatio); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d pullback_ratio: %w", s.ID, err)
		}
		if s.PullbackThreshold, err = nullableDecimal(pullbackThresh); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d pullback_threshold: %w", s.ID, err)
		}
		if s.OrderLowRatio, err = nullableDecimal(lowRatio); err != nil {
			return nil, fmt.Errorf("postgres store: strategy %d order_low_ratio: %w", s.ID, err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetPositions(ctx context.Context) (map[int]map[string]models.Position, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT strategy_id, code, action, qty, cost_amt, avg_prc,
		       first_entry_date, high_since_entry, low_since_entry
		FROM fifo_positions`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get positions: %w", err)
	}
	defer rows.Close()

	out := make(map[int]map[string]models.Position)
	for rows.Next() {
		var (
			p                   models.Position
			action              string
			costAmt, avgPrc     string
			highSince, lowSince string
		)
		if err := rows.Scan(&p.StrategyID, &p.Code, &action, &p.Quantity, &costAmt, &avgPrc,
			&p.FirstEntryDate, &highSince, &lowSince); err != nil {
			return nil, fmt.Errorf("postgres store: scan position: %w", err)
		}
		p.Action = models.Action(action)
		if p.CostAmount, err = decimal.NewFromString(costAmt); err != nil {
			return nil, fmt.Errorf("postgres store: position cost_amt: %w", err)
		}
		if p.AvgPrice, err = decimal.NewFromString(avgPrc); err != nil {
			return nil, fmt.Errorf("postgres store: position avg_prc: %w", err)
		}
		if p.HighSinceEntry, err = decimal.NewFromString(highSince); err != nil {
			return nil, fmt.Errorf("postgres store: position high_since_entry: %w", err)
		}
		if p.LowSinceEntry, err = decimal.NewFromString(lowSince); err != nil {
			return nil, fmt.Errorf("postgres store: position low_since_entry: %w", err)
		}
		if _, ok := out[p.StrategyID]; !ok {
			out[p.StrategyID] = make(map[string]models.Position)
		}
		out[p.StrategyID][p.Code] = p
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetContracts(ctx context.Context) (map[string]models.Contract, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT code, name, reference, limit_up, limit_down, update_date
		FROM contracts`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get contracts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Contract)
	for rows.Next() {
		var (
			c                       models.Contract
			ref, limitUp, limitDown string
		)
		if err := rows.Scan(&c.Code, &c.Name, &ref, &limitUp, &limitDown, &c.UpdateDate); err != nil {
			return nil, fmt.Errorf("postgres store: scan contract: %w", err)
		}
		if c.Reference, err = decimal.NewFromString(ref); err != nil {
			return nil, fmt.Errorf("postgres store: contract %s reference: %w", c.Code, err)
		}
		if c.LimitUp, err = decimal.NewFromString(limitUp); err != nil {
			return nil, fmt.Errorf("postgres store: contract %s limit_up: %w", c.Code, err)
		}
		if c.LimitDown, err = decimal.NewFromString(limitDown); err != nil {
			return nil, fmt.Errorf("postgres store: contract %s limit_down: %w", c.Code, err)
		}
		c.UpdateDate = c.UpdateDate.UTC().Truncate(24 * time.Hour)
		out[c.Code] = c
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetComingDividends(ctx context.Context) (map[string]models.ComingDividend, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT code, ex_date FROM coming_dividends`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get coming dividends: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.ComingDividend)
	for rows.Next() {
		var d models.ComingDividend
		if err := rows.Scan(&d.Code, &d.ExDate); err != nil {
			return nil, fmt.Errorf("postgres store: scan coming dividend: %w", err)
		}
		d.ExDate = d.ExDate.UTC().Truncate(24 * time.Hour)
		out[d.Code] = d
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetTradingDates(ctx context.Context) ([]time.Time, error) {
	rows, err := ps.db.QueryContext(ctx, `SELECT date FROM trading_dates ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get trading dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("postgres store: scan trading date: %w", err)
		}
		out = append(out, d.UTC().Truncate(24*time.Hour))
	}
	return out, rows.Err()
}

func (ps *PostgresStore) GetQuoteSnapshots(ctx context.Context, codes []string) (map[string]models.QuoteSnapshot, error) {
	if len(codes) == 0 {
		return map[string]models.QuoteSnapshot{}, nil
	}
	placeholders := make([]string, len(codes))
	args := make([]interface{}, len(codes))
	for i, code := range codes {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = code
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT ON (code) code, ts, open, high, low, close,
		       volume, total_volume, amount, total_amount,
		       bid_price, ask_price, bid_size, ask_size
		FROM quote_snapshots
		WHERE code IN (%s)
		ORDER BY code, ts DESC`, strings.Join(placeholders, ", "))

	rows, err := ps.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get quote snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.QuoteSnapshot)
	for rows.Next() {
		var (
			s                             models.QuoteSnapshot
			open, high, low, closePx      string
			amount, totalAmount, bid, ask string
		)
		if err := rows.Scan(&s.Code, &s.Timestamp, &open, &high, &low, &closePx,
			&s.Volume, &s.TotalVolume, &amount, &totalAmount,
			&bid, &ask, &s.BidSize, &s.AskSize); err != nil {
			return nil, fmt.Errorf("postgres store: scan quote snapshot: %w", err)
		}
		for _, pair := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&s.Open, open}, {&s.High, high}, {&s.Low, low}, {&s.Close, closePx},
			{&s.Amount, amount}, {&s.TotalAmount, totalAmount},
			{&s.BidPrice, bid}, {&s.AskPrice, ask},
		} {
			if *pair.dst, err = decimal.NewFromString(pair.src); err != nil {
				return nil, fmt.Errorf("postgres store: quote %s: %w", s.Code, err)
			}
		}
		out[s.Code] = s
	}
	return out, rows.Err()
}

func (ps *PostgresStore) SaveSignal(ctx context.Context, signal *models.Signal) error {
	var exitType sql.NullString
	if signal.ExitType != nil {
		exitType = sql.NullString{String: string(*signal.ExitType), Valid: true}
	}
	var rejectReason sql.NullString
	if signal.RMRejectReason != nil {
		rejectReason = sql.NullString{String: string(*signal.RMRejectReason), Valid: true}
	}
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO signals (id, source, sdate, stime, strategy_id, security_type,
		                     code, order_type, price_type, action, quantity, price,
		                     exit_type, rm_validated, rm_reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id, sdate) DO UPDATE SET
		    quantity = EXCLUDED.quantity,
		    price = EXCLUDED.price,
		    rm_validated = EXCLUDED.rm_validated,
		    rm_reject_reason = EXCLUDED.rm_reject_reason`,
		signal.ID, string(signal.Source), signal.SDate, timeOfDayString(signal.STime),
		signal.StrategyID, string(signal.SecurityType), signal.Code,
		string(signal.OrderType), string(signal.PriceType), string(signal.Action),
		signal.Quantity, signal.Price.String(), exitType, signal.RMValidated, rejectReason)
	if err != nil {
		return fmt.Errorf("postgres store: save signal %s: %w", signal.ID, err)
	}
	return nil
}

func (ps *PostgresStore) SaveSF31Order(ctx context.Context, order *models.BrokerOrder) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO sf31_orders (signal_id, sfdate, sftime, strategy_id, security_type,
		                         code, order_type, price_type, action, quantity, price, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signal_id, sfdate, sftime, code, action, quantity, price) DO NOTHING`,
		order.SignalID, order.SFDate, timeOfDayString(order.SFTime), order.StrategyID,
		string(order.SecurityType), order.Code, string(order.OrderType),
		string(order.PriceType), string(order.Action), order.Quantity,
		order.Price.String(), order.OrderID)
	if err != nil {
		return fmt.Errorf("postgres store: save sf31 order %s: %w", order.SignalID, err)
	}
	return nil
}

func (ps *PostgresStore) UpdateSF31Order(ctx context.Context, order *models.BrokerOrder) error {
	_, err := ps.db.ExecContext(ctx, `
		UPDATE sf31_orders SET order_id = $1
		WHERE signal_id = $2 AND sfdate = $3 AND code = $4 AND action = $5
		  AND quantity = $6 AND price = $7`,
		order.OrderID, order.SignalID, order.SFDate, order.Code,
		string(order.Action), order.Quantity, order.Price.String())
	if err != nil {
		return fmt.Errorf("postgres store: update sf31 order %s: %w", order.SignalID, err)
	}
	return nil
}

func (ps *PostgresStore) SaveOrder(ctx context.Context, order *models.Order) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO orders (trader_id, strategy, order_id, security_type, order_date,
		                    order_time, code, action, order_price, order_qty,
		                    order_type, price_type, status, msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_date, order_id) DO UPDATE SET
		    strategy = EXCLUDED.strategy,
		    status = EXCLUDED.status,
		    msg = EXCLUDED.msg`,
		order.TraderID, order.Strategy, order.OrderID, string(order.SecurityType),
		order.OrderDate, timeOfDayString(order.OrderTime), order.Code,
		string(order.Action), order.OrderPrice.String(), order.OrderQty,
		string(order.OrderType), string(order.PriceType), order.Status, order.Msg)
	if err != nil {
		return fmt.Errorf("postgres store: save order %s: %w", order.OrderID, err)
	}
	return nil
}

func (ps *PostgresStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO trades (trader_id, strategy, order_id, order_type, seqno,
		                    security_type, trade_date, trade_time, code, action, price, qty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id, trade_date, seqno) DO UPDATE SET
		    strategy = EXCLUDED.strategy`,
		trade.TraderID, trade.Strategy, trade.OrderID, string(trade.OrderType),
		trade.Seqno, string(trade.SecurityType), trade.TradeDate,
		timeOfDayString(trade.TradeTime), trade.Code, string(trade.Action),
		trade.Price.String(), trade.Qty)
	if err != nil {
		return fmt.Errorf("postgres store: save trade %s/%s: %w", trade.OrderID, trade.Seqno, err)
	}
	return nil
}

func (ps *PostgresStore) SavePositionsCallback(ctx context.Context, positions []models.PositionCallback) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin positions callback tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO position_callbacks (trader_id, cb_time, code, shares, avg_price,
			                                closed_pnl, open_pnl, pnl_chg, cum_return)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (trader_id, code) DO UPDATE SET
			    cb_time = EXCLUDED.cb_time,
			    shares = EXCLUDED.shares,
			    avg_price = EXCLUDED.avg_price,
			    closed_pnl = EXCLUDED.closed_pnl,
			    open_pnl = EXCLUDED.open_pnl,
			    pnl_chg = EXCLUDED.pnl_chg,
			    cum_return = EXCLUDED.cum_return`,
			p.TraderID, timeOfDayString(p.Time), p.Code, p.Shares, p.AvgPrice.String(),
			p.ClosedPnL.String(), p.OpenPnL.String(), p.PnLChg.String(), p.CumReturn.String()); err != nil {
			return fmt.Errorf("postgres store: save position callback %s: %w", p.Code, err)
		}
	}
	return tx.Commit()
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// timeOfDayString renders a wall-clock value as HH:MM:SS for a TIME column.
func timeOfDayString(t time.Time) string {
	return t.Format("15:04:05")
}

// Package storage defines the data-access interface between the engine and
// the relational store holding strategies, positions, contracts, quotes,
// signals, orders, and trades.
//
// Uses Postgres for:
//   - Reference data reads (strategies, positions, contracts, trading
//     dates, coming dividends, quote snapshots)
//   - Signal / broker-order / callback persistence
package storage

import (
	"context"
	"time"

	"github.com/elsonly/bunny-order/internal/models"
)

// Store defines the complete storage interface for the routing engine.
// Each Save* is an upsert keyed by the entity's natural dedup key, so
// replaying the same callback twice yields the same stored row.
type Store interface {
	// Reference data reads.
	GetStrategies(ctx context.Context) (map[int]models.Strategy, error)
	GetPositions(ctx context.Context) (map[int]map[string]models.Position, error)
	GetContracts(ctx context.Context) (map[string]models.Contract, error)
	GetComingDividends(ctx context.Context) (map[string]models.ComingDividend, error)
	GetTradingDates(ctx context.Context) ([]time.Time, error)
	GetQuoteSnapshots(ctx context.Context, codes []string) (map[string]models.QuoteSnapshot, error)

	// Signal and order persistence.
	SaveSignal(ctx context.Context, signal *models.Signal) error
	SaveSF31Order(ctx context.Context, order *models.BrokerOrder) error
	UpdateSF31Order(ctx context.Context, order *models.BrokerOrder) error
	SaveOrder(ctx context.Context, order *models.Order) error
	SaveTrade(ctx context.Context, trade *models.Trade) error
	SavePositionsCallback(ctx context.Context, positions []models.PositionCallback) error

	// Health check.
	Ping(ctx context.Context) error
	Close() error
}

// Package store provides the data access layer over Postgres or SQLite.
// The engine is selected from the DSN so local development can run on a
// SQLite file while deployments point at Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // pure Go SQLite driver

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// ErrDuplicateOrder is returned when a client order id already exists.
var ErrDuplicateOrder = errors.New("duplicate client order id")

// DefaultDSN is the local SQLite fallback used when DATABASE_URL is unset.
const DefaultDSN = "file:trading_system.db?_pragma=busy_timeout(5000)"

// Store wraps a bun.DB for kline and order persistence.
type Store struct {
	db *bun.DB
}

// Open connects to the database described by the DSN. A postgres:// DSN uses
// the pgx driver; anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	var (
		sqldb *sql.DB
		err   error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		sqldb, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Store{db: bun.NewDB(sqldb, pgdialect.New())}, nil
	default:
		sqldb, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// Single writer; SQLite locks the whole file.
		sqldb.SetMaxOpenConns(1)
		return &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}, nil
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, used by startup wait loops.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Init creates tables and indexes when missing.
func (s *Store) Init(ctx context.Context) error {
	models := []interface{}{(*Kline)(nil), (*Order)(nil)}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Kline)(nil)).
		Index("idx_klines_symbol_timestamp").
		Unique().
		Column("symbol", "timestamp").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create kline index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Order)(nil)).
		Index("idx_orders_status").
		Column("status").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create order index: %w", err)
	}
	return nil
}

// UpsertKline inserts a confirmed candle, updating the row when the exchange
// re-sends a bar for the same (symbol, timestamp).
func (s *Store) UpsertKline(ctx context.Context, c market.Candle) error {
	k := KlineFromCandle(c)
	_, err := s.db.NewInsert().
		Model(k).
		On("CONFLICT (symbol, timestamp) DO UPDATE").
		Set("open = EXCLUDED.open").
		Set("high = EXCLUDED.high").
		Set("low = EXCLUDED.low").
		Set("close = EXCLUDED.close").
		Set("volume = EXCLUDED.volume").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert kline: %w", err)
	}
	return nil
}

// InsertKlines bulk-inserts a backfill batch, silently skipping rows that
// already exist. It returns the number of rows actually written.
func (s *Store) InsertKlines(ctx context.Context, candles []market.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	rows := make([]*Kline, len(candles))
	for i, c := range candles {
		rows[i] = KlineFromCandle(c)
	}
	res, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (symbol, timestamp) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bulk insert klines: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// RecentKlines returns the newest limit candles in chronological order.
func (s *Store) RecentKlines(ctx context.Context, symbol string, limit int) ([]market.Candle, error) {
	var rows []Kline
	err := s.db.NewSelect().
		Model(&rows).
		Where("symbol = ?", symbol).
		OrderExpr("timestamp DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent klines: %w", err)
	}
	out := make([]market.Candle, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i].Candle()
	}
	return out, nil
}

// AllKlines returns every candle for a symbol in chronological order.
func (s *Store) AllKlines(ctx context.Context, symbol string) ([]market.Candle, error) {
	var rows []Kline
	err := s.db.NewSelect().
		Model(&rows).
		Where("symbol = ?", symbol).
		OrderExpr("timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("all klines: %w", err)
	}
	out := make([]market.Candle, len(rows))
	for i := range rows {
		out[i] = rows[i].Candle()
	}
	return out, nil
}

// CountKlines returns the stored candle count for a symbol.
func (s *Store) CountKlines(ctx context.Context, symbol string) (int, error) {
	n, err := s.db.NewSelect().
		Model((*Kline)(nil)).
		Where("symbol = ?", symbol).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count klines: %w", err)
	}
	return n, nil
}

// InsertOrder persists an order request before it is sent to the exchange.
// ErrDuplicateOrder is returned when the client order id is already taken.
func (s *Store) InsertOrder(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	res, err := s.db.NewInsert().
		Model(o).
		On("CONFLICT (client_order_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateOrder
	}
	return nil
}

// GetOrder loads an order by client order id.
func (s *Store) GetOrder(ctx context.Context, clientOrderID string) (*Order, error) {
	o := new(Order)
	err := s.db.NewSelect().
		Model(o).
		Where("client_order_id = ?", clientOrderID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// OrderUpdate carries the mutable fields of an order row. Empty strings and
// zero prices leave the stored value untouched.
type OrderUpdate struct {
	Status       string
	OrderID      string
	AvgPrice     float64
	ErrorMessage string
}

// UpdateOrder applies an update to the order row. Terminal statuses are
// sticky: once Filled/Cancelled/Rejected/failed the status cannot move.
func (s *Store) UpdateOrder(ctx context.Context, clientOrderID string, upd OrderUpdate) error {
	existing, err := s.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	if TerminalStatus(existing.Status) && upd.Status != existing.Status {
		return nil
	}

	q := s.db.NewUpdate().
		Model((*Order)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("client_order_id = ?", clientOrderID)
	if upd.Status != "" {
		q = q.Set("status = ?", upd.Status)
	}
	if upd.OrderID != "" {
		q = q.Set("order_id = ?", upd.OrderID)
	}
	if upd.AvgPrice > 0 {
		q = q.Set("avg_price = ?", upd.AvgPrice)
	}
	if upd.ErrorMessage != "" {
		q = q.Set("error_message = ?", upd.ErrorMessage)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

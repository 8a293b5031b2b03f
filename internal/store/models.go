package store

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// Kline is one persisted candle. Symbol plus timestamp is unique so replayed
// websocket frames and overlapping backfill batches cannot duplicate rows.
type Kline struct {
	bun.BaseModel `bun:"table:klines,alias:k"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Symbol    string    `bun:"symbol,notnull"`
	Timestamp time.Time `bun:"timestamp,notnull"`
	Open      float64   `bun:"open,notnull"`
	High      float64   `bun:"high,notnull"`
	Low       float64   `bun:"low,notnull"`
	Close     float64   `bun:"close,notnull"`
	Volume    float64   `bun:"volume,notnull"`
}

// Candle converts the row into the shared market payload.
func (k *Kline) Candle() market.Candle {
	return market.Candle{
		Symbol:    k.Symbol,
		Timestamp: k.Timestamp.UTC(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
	}
}

// KlineFromCandle converts a market payload into a persistable row.
func KlineFromCandle(c market.Candle) *Kline {
	return &Kline{
		Symbol:    c.Symbol,
		Timestamp: c.Timestamp.UTC(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
	}
}

// Order lifecycle statuses. Submitted means persisted locally but not yet
// accepted by the exchange; New means accepted; Filled/Cancelled/Rejected and
// Failed are terminal.
const (
	StatusSubmitted       = "Submitted"
	StatusNew             = "New"
	StatusPartiallyFilled = "PartiallyFilled"
	StatusFilled          = "Filled"
	StatusCancelled       = "Cancelled"
	StatusRejected        = "Rejected"
	StatusFailed          = "failed"
	StatusModified        = "Modified"
)

// TerminalStatus reports whether an order status can no longer change.
func TerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Order is the audit row for every order request the bot makes.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID            int64     `bun:"id,pk,autoincrement"`
	ClientOrderID string    `bun:"client_order_id,notnull,unique"`
	OrderID       string    `bun:"order_id,nullzero"` // exchange id, empty until accepted
	Symbol        string    `bun:"symbol,notnull"`
	Side          string    `bun:"side,notnull"`
	OrderType     string    `bun:"order_type,notnull"`
	Price         float64   `bun:"price,nullzero"` // only set for limit orders
	Qty           float64   `bun:"qty,notnull"`
	StopLoss      float64   `bun:"stop_loss,nullzero"`
	TakeProfit    float64   `bun:"take_profit,nullzero"`
	ReduceOnly    bool      `bun:"reduce_only"`
	Status        string    `bun:"status,notnull"`
	AvgPrice      float64   `bun:"avg_price,nullzero"`
	ErrorMessage  string    `bun:"error_message,nullzero"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

package backtest

import (
	"errors"
	"math"
	"time"

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

const epsilon = 1e-9

// DefaultCommissionRate is the taker fee applied to every fill.
const DefaultCommissionRate = 0.00055

// Trade is one completed round trip.
type Trade struct {
	Direction  market.Direction `json:"direction"`
	Qty        float64          `json:"qty"`
	EntryPrice float64          `json:"entry_price"`
	ExitPrice  float64          `json:"exit_price"`
	EntryTime  time.Time        `json:"entry_time"`
	ExitTime   time.Time        `json:"exit_time"`
	PnL        float64          `json:"pnl"` // net of commission
	Commission float64          `json:"commission"`
	Reason     string           `json:"reason"`
}

type holding struct {
	Direction  market.Direction
	Qty        float64
	Entry      float64
	EntryTime  time.Time
	StopLoss   float64
	TakeProfit float64
	EntryFee   float64
}

// Broker tracks virtual cash and one open position while replaying history.
// Linear contract accounting: PnL is price difference times quantity, both
// directions, with taker commission charged on entry and exit notional.
type Broker struct {
	startingCash   float64
	cash           float64
	commissionRate float64
	pos            *holding

	realized    float64
	commission  float64
	equityPeak  float64
	maxDrawdown float64
	trades      []Trade
}

// NewBroker constructs a broker with starting cash and a commission rate.
// A negative rate selects DefaultCommissionRate; zero means commission-free.
func NewBroker(startingCash, commissionRate float64) *Broker {
	if commissionRate < 0 {
		commissionRate = DefaultCommissionRate
	}
	return &Broker{
		startingCash:   startingCash,
		cash:           startingCash,
		commissionRate: commissionRate,
		equityPeak:     startingCash,
	}
}

// Cash returns the settled balance, which excludes open position PnL.
func (b *Broker) Cash() float64 { return b.cash }

// InPosition reports whether a position is open.
func (b *Broker) InPosition() bool { return b.pos != nil }

// Position returns the open position details; ok is false when flat.
func (b *Broker) Position() (direction market.Direction, qty, entry, stopLoss, takeProfit float64, ok bool) {
	if b.pos == nil {
		return "", 0, 0, 0, 0, false
	}
	return b.pos.Direction, b.pos.Qty, b.pos.Entry, b.pos.StopLoss, b.pos.TakeProfit, true
}

// SetStopLoss moves the simulated stop, keeping the trailing invariant: longs
// only up, shorts only down.
func (b *Broker) SetStopLoss(level float64) {
	if b.pos == nil || level <= 0 {
		return
	}
	switch b.pos.Direction {
	case market.Long:
		if level > b.pos.StopLoss {
			b.pos.StopLoss = level
		}
	case market.Short:
		if b.pos.StopLoss == 0 || level < b.pos.StopLoss {
			b.pos.StopLoss = level
		}
	}
}

// Open enters a position at price. Only one position can be open at a time.
func (b *Broker) Open(direction market.Direction, qty, price float64, stopLoss, takeProfit float64, at time.Time) error {
	if b.pos != nil {
		return errors.New("position already open")
	}
	if qty <= 0 || price <= 0 {
		return errors.New("quantity and price must be positive")
	}
	fee := qty * price * b.commissionRate
	if fee > b.cash+epsilon {
		return errors.New("insufficient cash for entry commission")
	}
	b.cash -= fee
	b.commission += fee
	b.pos = &holding{
		Direction:  direction,
		Qty:        qty,
		Entry:      price,
		EntryTime:  at,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		EntryFee:   fee,
	}
	return nil
}

// Close exits the open position at price and returns the completed trade.
func (b *Broker) Close(price float64, at time.Time, reason string) (Trade, error) {
	if b.pos == nil {
		return Trade{}, errors.New("no open position")
	}
	if price <= 0 {
		return Trade{}, errors.New("price must be positive")
	}

	gross := (price - b.pos.Entry) * b.pos.Qty
	if b.pos.Direction == market.Short {
		gross = (b.pos.Entry - price) * b.pos.Qty
	}
	exitFee := b.pos.Qty * price * b.commissionRate

	trade := Trade{
		Direction:  b.pos.Direction,
		Qty:        b.pos.Qty,
		EntryPrice: b.pos.Entry,
		ExitPrice:  price,
		EntryTime:  b.pos.EntryTime,
		ExitTime:   at,
		PnL:        gross - exitFee - b.pos.EntryFee, // full round trip
		Commission: exitFee + b.pos.EntryFee,
		Reason:     reason,
	}

	// Entry fee was already deducted from cash at Open.
	b.cash += gross - exitFee
	b.realized += trade.PnL
	b.commission += exitFee
	b.pos = nil
	b.trades = append(b.trades, trade)
	b.markEquity(price)
	return trade, nil
}

// Equity marks the account to the given price.
func (b *Broker) Equity(price float64) float64 {
	equity := b.cash
	if b.pos != nil {
		unrealized := (price - b.pos.Entry) * b.pos.Qty
		if b.pos.Direction == market.Short {
			unrealized = (b.pos.Entry - price) * b.pos.Qty
		}
		equity += unrealized
	}
	return equity
}

// markEquity records the peak and worst drawdown seen so far.
func (b *Broker) markEquity(price float64) {
	equity := b.Equity(price)
	if equity > b.equityPeak {
		b.equityPeak = equity
	}
	if b.equityPeak > 0 {
		dd := (b.equityPeak - equity) / b.equityPeak
		b.maxDrawdown = math.Max(b.maxDrawdown, dd)
	}
}

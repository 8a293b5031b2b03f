// Package risk sizes positions and enforces trading guard-rails.
package risk

import (
	"fmt"
	"math"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// Instrument precision for the traded contract (BTCUSDT linear).
const (
	PricePrecision = 2
	QtyPrecision   = 3
	MinOrderQty    = 0.001
)

// Sizer converts account equity and stop distance into an order quantity.
type Sizer struct {
	params config.RiskParams
}

// NewSizer wraps the configured risk parameters.
func NewSizer(params config.RiskParams) Sizer { return Sizer{params: params} }

// Size computes the quantity for a trade risking riskPerTrade percent of
// balance (scaled by the conviction multiplier, capped at 95% of balance).
// A zero return means the trade should be skipped; err carries the reason.
func (s Sizer) Size(balance, entryPrice, stopLossPrice, riskMultiplier float64) (float64, error) {
	if balance < s.params.MinBalanceUSDT {
		return 0, fmt.Errorf("balance %.2f below minimum %.2f", balance, s.params.MinBalanceUSDT)
	}
	riskPercent := s.params.RiskPerTrade / 100
	if riskPercent <= 0 {
		return 0, fmt.Errorf("risk_per_trade not configured")
	}
	if riskMultiplier <= 0 {
		riskMultiplier = 1
	}
	if entryPrice <= 0 || stopLossPrice <= 0 {
		return 0, fmt.Errorf("invalid entry %.2f or stop %.2f", entryPrice, stopLossPrice)
	}

	riskAmount := math.Min(balance*riskPercent*riskMultiplier, balance*0.95)
	riskPerCoin := math.Abs(entryPrice - stopLossPrice)
	if riskPerCoin < math.Pow(10, -(PricePrecision+2)) {
		return 0, fmt.Errorf("stop distance %.6f too small", riskPerCoin)
	}

	qty := riskAmount / riskPerCoin
	step := math.Pow(10, -QtyPrecision)
	qty = math.Floor(qty/step) * step
	qty = RoundQty(qty)
	if qty < MinOrderQty {
		return 0, fmt.Errorf("qty %.3f below minimum %.3f", qty, MinOrderQty)
	}
	return qty, nil
}

// AllowFunding reports whether a signal direction passes the funding-rate
// guard. Only long entries are blocked, and only when the configured limit
// is negative (a zero or positive limit disables the guard).
func (s Sizer) AllowFunding(direction market.Direction, fundingRate float64) bool {
	if direction != market.Long || s.params.MaxNegativeFundingRate >= 0 {
		return true
	}
	return fundingRate >= s.params.MaxNegativeFundingRate
}

// RoundPrice snaps a price to the instrument tick precision.
func RoundPrice(px float64) float64 {
	scale := math.Pow(10, PricePrecision)
	return math.Round(px*scale) / scale
}

// RoundQty snaps a quantity to the instrument lot precision.
func RoundQty(qty float64) float64 {
	scale := math.Pow(10, QtyPrecision)
	return math.Round(qty*scale) / scale
}

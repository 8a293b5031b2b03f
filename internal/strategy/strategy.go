// Package strategy contains trading signal generation logic wired into candles.
package strategy

import (
	"fmt"
	"strings"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// Snapshot carries the latest indicator values for a candle window.
type Snapshot struct {
	FastEMA   float64
	SlowEMA   float64
	RSI       float64
	RegimeEMA float64
	ATR       float64
	ADX       float64
}

// Strategy defines behaviour shared by strategy implementations used by the bot.
type Strategy interface {
	// OnCandle evaluates the window after a confirmed candle and returns a
	// signal, or nil when no entry bias exists.
	OnCandle(series *market.Series) *market.Signal
	// Snapshot reports the current indicator values and whether every
	// required indicator is seeded.
	Snapshot(series *market.Series) (Snapshot, bool)
	// MinCandles returns the window depth needed before signals are meaningful.
	MinCandles() int
	Name() string
}

// Build returns the strategy implementation matching the configured name.
func Build(name string, params config.StrategyParams, risk config.RiskParams) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ema_rsi", "emarsistrategy":
		return NewEmaRsi(params, risk)
	case "":
		return nil, fmt.Errorf("strategy name not set")
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// Package backtest replays stored candles through the live strategy, risk
// sizing, and trailing stop logic against a simulated broker.
package backtest

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
	"github.com/enggilvano-cmd/Bot-trade/internal/risk"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
)

// TradeRecorder captures completed trades for later inspection.
type TradeRecorder interface {
	Record(Trade)
}

// Result summarizes a finished replay.
type Result struct {
	TotalTrades int
	Wins        int
	Losses      int
	WinRate     float64 // percent
	NetPnL      float64
	Commission  float64
	FinalEquity float64
	Return      float64 // percent on starting cash
	MaxDrawdown float64 // percent
	Trades      []Trade
}

// Runner drives one strategy over a candle history.
type Runner struct {
	cfg      config.Config
	strat    strategy.Strategy
	sizer    risk.Sizer
	broker   *Broker
	recorder TradeRecorder
	log      zerolog.Logger
}

// NewRunner builds a replay runner. recorder may be nil.
func NewRunner(cfg config.Config, strat strategy.Strategy, broker *Broker, recorder TradeRecorder, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		strat:    strat,
		sizer:    risk.NewSizer(cfg.Risk),
		broker:   broker,
		recorder: recorder,
		log:      log,
	}
}

// Run replays candles in order and returns the aggregated result. Candles
// must be chronological; the engine's series handles duplicates.
func (r *Runner) Run(candles []market.Candle) (Result, error) {
	min := r.strat.MinCandles()
	if len(candles) <= min {
		return Result{}, fmt.Errorf("need more than %d candles, have %d", min, len(candles))
	}

	series := market.NewSeries(min + 200)
	lastClose := 0.0

	for _, candle := range candles {
		if !series.Append(candle) {
			continue
		}
		lastClose = candle.Close
		if series.Len() < min {
			continue
		}

		if r.broker.InPosition() {
			if r.checkExits(candle) {
				continue
			}
			r.trail(series, candle)
			if signal := r.strat.OnCandle(series); signal != nil {
				dir, _, _, _, _, _ := r.broker.Position()
				if signal.Direction != dir {
					r.exit(candle.Close, candle, "opposite signal")
				}
			}
			continue
		}

		signal := r.strat.OnCandle(series)
		if signal == nil {
			continue
		}
		r.enter(candle, signal)
	}

	// Flatten whatever is left so the result reflects completed trades only.
	if r.broker.InPosition() && lastClose > 0 {
		r.exit(lastClose, candles[len(candles)-1], "end of data")
	}

	return r.summarize(lastClose), nil
}

// checkExits fills the stop loss or take profit when the candle range crossed
// them. The stop is checked first: with both inside one candle the
// pessimistic fill is the honest one.
func (r *Runner) checkExits(candle market.Candle) bool {
	dir, _, _, stopLoss, takeProfit, _ := r.broker.Position()

	switch dir {
	case market.Long:
		if stopLoss > 0 && candle.Low <= stopLoss {
			r.exit(stopLoss, candle, "stop loss")
			return true
		}
		if takeProfit > 0 && candle.High >= takeProfit {
			r.exit(takeProfit, candle, "take profit")
			return true
		}
	case market.Short:
		if stopLoss > 0 && candle.High >= stopLoss {
			r.exit(stopLoss, candle, "stop loss")
			return true
		}
		if takeProfit > 0 && candle.Low <= takeProfit {
			r.exit(takeProfit, candle, "take profit")
			return true
		}
	}
	return false
}

// trail mirrors the live engine's ATR trailing stop against the broker.
func (r *Runner) trail(series *market.Series, candle market.Candle) {
	snap, ok := r.strat.Snapshot(series)
	if !ok || snap.ATR <= 0 {
		return
	}
	mult := r.cfg.Risk.ATRMultiplier
	dir, _, _, _, _, _ := r.broker.Position()
	switch dir {
	case market.Long:
		r.broker.SetStopLoss(risk.RoundPrice(candle.Low - snap.ATR*mult))
	case market.Short:
		r.broker.SetStopLoss(risk.RoundPrice(candle.High + snap.ATR*mult))
	}
}

func (r *Runner) enter(candle market.Candle, signal *market.Signal) {
	var stopLoss float64
	switch signal.Direction {
	case market.Long:
		stopLoss = signal.SLBasePrice - signal.ATRValue*r.cfg.Risk.ATRMultiplier
	case market.Short:
		stopLoss = signal.SLBasePrice + signal.ATRValue*r.cfg.Risk.ATRMultiplier
	}
	stopLoss = risk.RoundPrice(stopLoss)
	if stopLoss <= 0 {
		return
	}

	entry := candle.Close
	rr := r.cfg.Risk.RiskRewardRatio
	if rr <= 0 {
		rr = 1.5
	}
	var takeProfit float64
	if signal.Direction == market.Long {
		takeProfit = risk.RoundPrice(entry + (entry-stopLoss)*rr)
	} else {
		takeProfit = risk.RoundPrice(entry - (stopLoss-entry)*rr)
	}

	qty, err := r.sizer.Size(r.broker.Cash(), entry, stopLoss, signal.RiskMultiplier)
	if err != nil {
		r.log.Debug().Err(err).Msg("sizing declined simulated trade")
		return
	}
	if err := r.broker.Open(signal.Direction, qty, entry, stopLoss, takeProfit, candle.Timestamp); err != nil {
		r.log.Debug().Err(err).Msg("simulated entry rejected")
	}
}

func (r *Runner) exit(price float64, candle market.Candle, reason string) {
	trade, err := r.broker.Close(price, candle.Timestamp, reason)
	if err != nil {
		r.log.Warn().Err(err).Msg("simulated close failed")
		return
	}
	if r.recorder != nil {
		r.recorder.Record(trade)
	}
	r.log.Debug().
		Str("direction", string(trade.Direction)).
		Float64("pnl", trade.PnL).
		Str("reason", reason).
		Msg("simulated trade closed")
}

func (r *Runner) summarize(lastClose float64) Result {
	res := Result{
		Trades:      r.broker.trades,
		TotalTrades: len(r.broker.trades),
		NetPnL:      r.broker.realized,
		Commission:  r.broker.commission,
		FinalEquity: r.broker.Equity(lastClose),
		MaxDrawdown: r.broker.maxDrawdown * 100,
	}
	for _, trade := range r.broker.trades {
		if trade.PnL > 0 {
			res.Wins++
		} else {
			res.Losses++
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.TotalTrades) * 100
	}
	if r.broker.startingCash > 0 {
		res.Return = (res.FinalEquity - r.broker.startingCash) / r.broker.startingCash * 100
	}
	return res
}

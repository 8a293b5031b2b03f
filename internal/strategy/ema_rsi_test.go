package strategy

import (
	"testing"
	"time"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

func testParams(adxThreshold float64) (config.StrategyParams, config.RiskParams) {
	sp := config.StrategyParams{
		ShortEMA:               2,
		LongEMA:                5,
		RSIPeriod:              3,
		RegimeFilterPeriod:     5,
		ADXPeriod:              3,
		ADXThreshold:           adxThreshold,
		RSIConvictionThreshold: 60,
	}
	rp := config.RiskParams{
		ATRPeriod:              3,
		HighConvictionRiskMult: 1.0,
		LowConvictionRiskMult:  0.5,
		RiskPerTrade:           1,
	}
	return sp, rp
}

func seriesFrom(closes []float64) *market.Series {
	s := market.NewSeries(200)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		s.Append(market.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c * 0.999,
			High:      c * 1.001,
			Low:       c * 0.998,
			Close:     c,
			Volume:    10,
		})
	}
	return s
}

func driveSignals(t *testing.T, strat Strategy, closes []float64) *market.Signal {
	t.Helper()
	s := market.NewSeries(200)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var out *market.Signal
	for i, c := range closes {
		s.Append(market.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c * 0.999,
			High:      c * 1.001,
			Low:       c * 0.998,
			Close:     c,
			Volume:    10,
		})
		if sig := strat.OnCandle(s); sig != nil {
			out = sig
		}
	}
	return out
}

func downThenUp() []float64 {
	closes := make([]float64, 0, 40)
	px := 110.0
	for i := 0; i < 30; i++ {
		px -= 0.2
		closes = append(closes, px)
	}
	for i := 0; i < 10; i++ {
		px += 3.0
		closes = append(closes, px)
	}
	return closes
}

func upThenDown() []float64 {
	closes := make([]float64, 0, 40)
	px := 100.0
	for i := 0; i < 30; i++ {
		px += 0.2
		closes = append(closes, px)
	}
	for i := 0; i < 10; i++ {
		px -= 3.0
		closes = append(closes, px)
	}
	return closes
}

func TestEmaRsiLongSignal(t *testing.T) {
	sp, rp := testParams(0)
	strat, err := NewEmaRsi(sp, rp)
	if err != nil {
		t.Fatalf("NewEmaRsi returned error: %v", err)
	}
	sig := driveSignals(t, strat, downThenUp())
	if sig == nil {
		t.Fatalf("expected long signal after bullish reversal")
	}
	if sig.Direction != market.Long {
		t.Fatalf("expected long, got %s", sig.Direction)
	}
	if sig.SLBasePrice <= 0 || sig.ATRValue <= 0 {
		t.Fatalf("expected populated SL base and ATR, got %+v", sig)
	}
	if sig.RiskMultiplier != rp.HighConvictionRiskMult {
		t.Fatalf("expected high conviction multiplier for strong RSI, got %.2f", sig.RiskMultiplier)
	}
}

func TestEmaRsiShortSignal(t *testing.T) {
	sp, rp := testParams(0)
	strat, err := NewEmaRsi(sp, rp)
	if err != nil {
		t.Fatalf("NewEmaRsi returned error: %v", err)
	}
	sig := driveSignals(t, strat, upThenDown())
	if sig == nil {
		t.Fatalf("expected short signal after bearish reversal")
	}
	if sig.Direction != market.Short {
		t.Fatalf("expected short, got %s", sig.Direction)
	}
}

func TestEmaRsiADXFilterBlocks(t *testing.T) {
	sp, rp := testParams(99.9)
	strat, err := NewEmaRsi(sp, rp)
	if err != nil {
		t.Fatalf("NewEmaRsi returned error: %v", err)
	}
	if sig := driveSignals(t, strat, downThenUp()); sig != nil {
		t.Fatalf("expected ADX threshold to suppress signals, got %+v", sig)
	}
}

func TestEmaRsiSnapshotReady(t *testing.T) {
	sp, rp := testParams(20)
	strat, err := NewEmaRsi(sp, rp)
	if err != nil {
		t.Fatalf("NewEmaRsi returned error: %v", err)
	}

	if _, ready := strat.Snapshot(seriesFrom([]float64{100, 101})); ready {
		t.Fatalf("expected not ready with two candles")
	}
	if _, ready := strat.Snapshot(seriesFrom(downThenUp())); !ready {
		t.Fatalf("expected ready with full window")
	}
}

func TestBuildFactory(t *testing.T) {
	sp, rp := testParams(0)

	strat, err := Build("ema_rsi", sp, rp)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if strat.Name() != "ema_rsi" {
		t.Fatalf("unexpected strategy name: %s", strat.Name())
	}

	if _, err := Build("martingale", sp, rp); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	if _, err := Build("", sp, rp); err == nil {
		t.Fatalf("expected error for empty strategy name")
	}

	sp.ShortEMA, sp.LongEMA = 21, 9
	if _, err := Build("ema_rsi", sp, rp); err == nil {
		t.Fatalf("expected error when short period exceeds long period")
	}
}

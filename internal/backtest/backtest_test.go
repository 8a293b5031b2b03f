package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
)

// scriptedStrategy fires a fixed signal on one evaluation and stays quiet
// otherwise.
type scriptedStrategy struct {
	fireOn int // 1-based OnCandle call number
	signal *market.Signal
	calls  int
	snap   strategy.Snapshot
	seeded bool
}

func (s *scriptedStrategy) OnCandle(series *market.Series) *market.Signal {
	s.calls++
	if s.calls == s.fireOn {
		return s.signal
	}
	return nil
}

func (s *scriptedStrategy) Snapshot(series *market.Series) (strategy.Snapshot, bool) {
	return s.snap, s.seeded
}

func (s *scriptedStrategy) MinCandles() int { return 1 }

func (s *scriptedStrategy) Name() string { return "scripted" }

func backtestConfig() config.Config {
	return config.Config{
		Symbol:    "BTCUSDT",
		Timeframe: "1",
		Risk: config.RiskParams{
			ATRPeriod:       14,
			ATRMultiplier:   2,
			RiskPerTrade:    1,
			RiskRewardRatio: 1.5,
			MinBalanceUSDT:  10,
		},
	}
}

func replayCandle(ts time.Time, o, h, l, c float64) market.Candle {
	return market.Candle{Symbol: "BTCUSDT", Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: 1}
}

type memRecorder struct{ trades []Trade }

func (m *memRecorder) Record(trade Trade) { m.trades = append(m.trades, trade) }

func TestRunnerStopLossExit(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		replayCandle(base, 100, 101, 99, 100),
		// signal fires here: SL = 99 - 1*2 = 97, entry 100, TP 104.5
		replayCandle(base.Add(1*time.Minute), 100, 101, 99, 100),
		// low pierces the stop
		replayCandle(base.Add(2*time.Minute), 100, 100, 96, 96.5),
	}
	strat := &scriptedStrategy{
		fireOn: 2,
		signal: &market.Signal{Direction: market.Long, SLBasePrice: 99, ATRValue: 1, RiskMultiplier: 1},
	}
	broker := NewBroker(10000, 0)
	rec := &memRecorder{}
	runner := NewRunner(backtestConfig(), strat, broker, rec, zerolog.Nop())

	result, err := runner.Run(candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalTrades != 1 || result.Losses != 1 {
		t.Fatalf("result = %+v, want one losing trade", result)
	}
	trade := result.Trades[0]
	if trade.Reason != "stop loss" {
		t.Errorf("exit reason = %q, want stop loss", trade.Reason)
	}
	if trade.ExitPrice != 97 {
		t.Errorf("exit price = %v, want 97 (stop level, not candle close)", trade.ExitPrice)
	}
	// qty = 100 risk / 3 per coin = 33.333
	if math.Abs(trade.Qty-33.333) > 1e-9 {
		t.Errorf("qty = %v, want 33.333", trade.Qty)
	}
	if len(rec.trades) != 1 {
		t.Errorf("recorder captured %d trades, want 1", len(rec.trades))
	}
	if result.NetPnL >= 0 {
		t.Errorf("net pnl = %v, want negative", result.NetPnL)
	}
}

func TestRunnerTakeProfitExit(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		replayCandle(base, 100, 101, 99, 100),
		replayCandle(base.Add(1*time.Minute), 100, 101, 99, 100),
		// high reaches TP 104.5
		replayCandle(base.Add(2*time.Minute), 100, 105, 100, 104),
	}
	strat := &scriptedStrategy{
		fireOn: 2,
		signal: &market.Signal{Direction: market.Long, SLBasePrice: 99, ATRValue: 1, RiskMultiplier: 1},
	}
	broker := NewBroker(10000, 0)
	runner := NewRunner(backtestConfig(), strat, broker, nil, zerolog.Nop())

	result, err := runner.Run(candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalTrades != 1 || result.Wins != 1 {
		t.Fatalf("result = %+v, want one winning trade", result)
	}
	if got := result.Trades[0].ExitPrice; got != 104.5 {
		t.Errorf("exit price = %v, want 104.5", got)
	}
	if result.WinRate != 100 {
		t.Errorf("win rate = %v, want 100", result.WinRate)
	}
}

func TestRunnerFlattensAtEndOfData(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		replayCandle(base, 100, 101, 99, 100),
		replayCandle(base.Add(1*time.Minute), 100, 101, 99, 100),
		replayCandle(base.Add(2*time.Minute), 100, 102, 99.5, 101),
	}
	strat := &scriptedStrategy{
		fireOn: 2,
		signal: &market.Signal{Direction: market.Long, SLBasePrice: 99, ATRValue: 1, RiskMultiplier: 1},
	}
	broker := NewBroker(10000, 0)
	runner := NewRunner(backtestConfig(), strat, broker, nil, zerolog.Nop())

	result, err := runner.Run(candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1 (forced flatten)", result.TotalTrades)
	}
	if got := result.Trades[0].Reason; got != "end of data" {
		t.Errorf("exit reason = %q, want end of data", got)
	}
	if broker.InPosition() {
		t.Error("broker still holds a position after the replay")
	}
}

func TestRunnerRejectsShortHistory(t *testing.T) {
	strat := &scriptedStrategy{fireOn: 99}
	runner := NewRunner(backtestConfig(), strat, NewBroker(10000, 0), nil, zerolog.Nop())
	if _, err := runner.Run(nil); err == nil {
		t.Fatal("empty history should error")
	}
}

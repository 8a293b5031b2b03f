package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/alert"
	"github.com/enggilvano-cmd/Bot-trade/internal/bus"
	"github.com/enggilvano-cmd/Bot-trade/internal/bybit"
	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
)

type fakeAccount struct {
	ticker   bybit.Ticker
	balance  float64
	position bybit.Position
}

func (f *fakeAccount) Ticker(ctx context.Context, symbol string) (bybit.Ticker, error) {
	return f.ticker, nil
}

func (f *fakeAccount) WalletBalance(ctx context.Context, coin string) (float64, error) {
	return f.balance, nil
}

func (f *fakeAccount) Position(ctx context.Context, symbol string) (bybit.Position, error) {
	return f.position, nil
}

type fakeHistory struct{ candles []market.Candle }

func (f *fakeHistory) RecentKlines(ctx context.Context, symbol string, limit int) ([]market.Candle, error) {
	return f.candles, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][]interface{}
}

func (f *fakeBus) Publish(ctx context.Context, channel string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][]interface{}{}
	}
	f.published[channel] = append(f.published[channel], v)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub { return nil }

func (f *fakeBus) Heartbeat(ctx context.Context, component string) error { return nil }

func (f *fakeBus) count(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[channel])
}

// fakeStrategy emits a scripted signal on every candle.
type fakeStrategy struct {
	signal *market.Signal
	snap   strategy.Snapshot
	ready  bool
}

func (f *fakeStrategy) OnCandle(series *market.Series) *market.Signal { return f.signal }

func (f *fakeStrategy) Snapshot(series *market.Series) (strategy.Snapshot, bool) {
	return f.snap, f.ready
}

func (f *fakeStrategy) MinCandles() int { return 1 }

func (f *fakeStrategy) Name() string { return "scripted" }

func testConfig() config.Config {
	return config.Config{
		Symbol:    "BTCUSDT",
		Timeframe: "1",
		LiveMode:  true,
		Risk: config.RiskParams{
			ATRPeriod:              14,
			ATRMultiplier:          2,
			RiskPerTrade:           1,
			RiskRewardRatio:        1.5,
			MinBalanceUSDT:         10,
			MaxNegativeFundingRate: -0.0005,
			HighConvictionRiskMult: 1,
			LowConvictionRiskMult:  0.5,
		},
		Engine: config.EngineParams{WarmUpCandles: 1},
	}
}

func candleAt(ts time.Time, close float64) market.Candle {
	return market.Candle{
		Symbol:    "BTCUSDT",
		Timestamp: ts,
		Open:      close - 10,
		High:      close + 20,
		Low:       close - 30,
		Close:     close,
		Volume:    5,
	}
}

func longSignal() *market.Signal {
	return &market.Signal{
		Direction:      market.Long,
		SLBasePrice:    49900,
		ATRValue:       100,
		RiskMultiplier: 1,
	}
}

func newTestEngine(strat strategy.Strategy, acct *fakeAccount, fb *fakeBus) *Engine {
	e := New(testConfig(), strat, acct, &fakeHistory{}, fb, alert.Noop{}, zerolog.Nop())
	e.nowFunc = func() time.Time { return time.UnixMilli(1700000000000) }
	return e
}

func TestEntryPublishesOrderRequest(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	e := newTestEngine(&fakeStrategy{signal: longSignal()}, acct, fb)

	e.onCandle(context.Background(), candleAt(time.Now(), 50000))

	if fb.count(bus.NewOrderChannel) != 1 {
		t.Fatalf("published %d order requests, want 1", fb.count(bus.NewOrderChannel))
	}
	req := fb.published[bus.NewOrderChannel][0].(bus.OrderRequest)
	if req.Side != "Buy" || req.OrderType != "Market" {
		t.Errorf("request = %+v", req)
	}
	// SL = 49900 - 100*2 = 49700, risk/coin = 300, risk = 100 USDT -> 0.333
	if req.StopLoss != 49700 {
		t.Errorf("stop loss = %v, want 49700", req.StopLoss)
	}
	if req.Qty != 0.333 {
		t.Errorf("qty = %v, want 0.333", req.Qty)
	}
	// TP = 50000 + 300*1.5 = 50450
	if req.TakeProfit != 50450 {
		t.Errorf("take profit = %v, want 50450", req.TakeProfit)
	}
	if e.pendingCID == "" {
		t.Error("pending lock not set after entry")
	}
}

func TestPendingLockBlocksEvaluation(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	e := newTestEngine(&fakeStrategy{signal: longSignal()}, acct, fb)

	now := time.Now().Truncate(time.Minute)
	e.onCandle(context.Background(), candleAt(now, 50000))
	e.onCandle(context.Background(), candleAt(now.Add(time.Minute), 50100))

	if n := fb.count(bus.NewOrderChannel); n != 1 {
		t.Fatalf("published %d order requests, want 1 (second candle must be blocked)", n)
	}
}

func TestFillOpensPositionAndFailureReleasesLock(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	e := newTestEngine(&fakeStrategy{signal: longSignal()}, acct, fb)

	e.onCandle(context.Background(), candleAt(time.Now(), 50000))
	cid := e.pendingCID

	e.onOrderUpdate(bus.OrderUpdate{ClientOrderID: cid, Status: store.StatusFilled, AvgPrice: 50001})
	if e.pendingCID != "" {
		t.Error("pending lock not released by fill")
	}
	if e.pos == nil || e.pos.Direction != market.Long || e.pos.EntryPrice != 50001 {
		t.Fatalf("position after fill = %+v", e.pos)
	}

	// Now fail a hypothetical next order and check the lock clears.
	e.pos = nil
	e.onCandle(context.Background(), candleAt(time.Now().Add(time.Hour), 50000))
	cid = e.pendingCID
	e.onOrderUpdate(bus.OrderUpdate{ClientOrderID: cid, Status: store.StatusFailed, Error: "insufficient balance"})
	if e.pendingCID != "" {
		t.Error("pending lock not released by failure")
	}
	if e.pos != nil {
		t.Error("failed order must not open a position")
	}
}

func TestOppositeSignalClosesPosition(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	strat := &fakeStrategy{signal: &market.Signal{Direction: market.Short, SLBasePrice: 50100, ATRValue: 100, RiskMultiplier: 1}}
	e := newTestEngine(strat, acct, fb)
	e.pos = &position{Direction: market.Long, Qty: 0.5, EntryPrice: 49000, StopLoss: 48500}

	e.onCandle(context.Background(), candleAt(time.Now(), 50000))

	if n := fb.count(bus.CloseOrderChannel); n != 1 {
		t.Fatalf("published %d close requests, want 1", n)
	}
	req := fb.published[bus.CloseOrderChannel][0].(bus.CloseRequest)
	if req.Side != "Buy" || req.Qty != 0.5 {
		t.Errorf("close request = %+v", req)
	}
	if e.pendingCID == "" {
		t.Error("pending lock not set for close")
	}

	e.onOrderUpdate(bus.OrderUpdate{ClientOrderID: e.pendingCID, Status: store.StatusFilled, AvgPrice: 50000})
	if e.pos != nil {
		t.Error("position not cleared after close fill")
	}
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	strat := &fakeStrategy{snap: strategy.Snapshot{ATR: 100}, ready: true}
	e := newTestEngine(strat, acct, fb)
	e.pos = &position{Direction: market.Long, Qty: 0.5, EntryPrice: 49000, StopLoss: 48500}

	// candle low 50970 -> candidate 50970-200 = 50770 > 48500: raise
	now := time.Now().Truncate(time.Minute)
	e.onCandle(context.Background(), candleAt(now, 51000))
	if n := fb.count(bus.ModifyOrderChannel); n != 1 {
		t.Fatalf("published %d modify requests, want 1", n)
	}
	req := fb.published[bus.ModifyOrderChannel][0].(bus.ModifyRequest)
	if req.NewStopLoss != 50770 {
		t.Errorf("new stop loss = %v, want 50770", req.NewStopLoss)
	}
	if e.pos.StopLoss != 48500 {
		t.Errorf("in-memory stop loss = %v, want 48500 until the exchange confirms", e.pos.StopLoss)
	}
	if e.pendingCID != req.ClientOrderID {
		t.Fatalf("pending lock = %q, want %q", e.pendingCID, req.ClientOrderID)
	}

	e.onOrderUpdate(bus.OrderUpdate{ClientOrderID: req.ClientOrderID, Status: store.StatusModified})
	if e.pendingCID != "" {
		t.Error("pending lock not released by modify confirmation")
	}
	if e.pos.StopLoss != 50770 {
		t.Errorf("in-memory stop loss = %v, want 50770 after confirmation", e.pos.StopLoss)
	}

	// lower candle must not loosen the stop
	e.onCandle(context.Background(), candleAt(now.Add(time.Minute), 50000))
	if n := fb.count(bus.ModifyOrderChannel); n != 1 {
		t.Fatalf("published %d modify requests, want still 1", n)
	}
}

func TestFailedModifyKeepsStopInPlace(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	strat := &fakeStrategy{snap: strategy.Snapshot{ATR: 100}, ready: true}
	e := newTestEngine(strat, acct, fb)
	e.pos = &position{Direction: market.Long, Qty: 0.5, EntryPrice: 49000, StopLoss: 48500}

	now := time.Now().Truncate(time.Minute)
	e.onCandle(context.Background(), candleAt(now, 51000))
	if n := fb.count(bus.ModifyOrderChannel); n != 1 {
		t.Fatalf("published %d modify requests, want 1", n)
	}
	req := fb.published[bus.ModifyOrderChannel][0].(bus.ModifyRequest)

	// A second candle while the modify is unresolved must not stack another.
	e.onCandle(context.Background(), candleAt(now.Add(time.Minute), 52000))
	if n := fb.count(bus.ModifyOrderChannel); n != 1 {
		t.Fatalf("published %d modify requests with one in flight, want 1", n)
	}

	e.onOrderUpdate(bus.OrderUpdate{ClientOrderID: req.ClientOrderID, Status: store.StatusFailed, Error: "exchange unavailable"})
	if e.pendingCID != "" {
		t.Error("pending lock not released by modify failure")
	}
	if e.pos.StopLoss != 48500 {
		t.Errorf("in-memory stop loss = %v, want 48500 after failed modify", e.pos.StopLoss)
	}

	// With the old level still in memory the next candle retries the raise.
	e.onCandle(context.Background(), candleAt(now.Add(2*time.Minute), 51000))
	if n := fb.count(bus.ModifyOrderChannel); n != 2 {
		t.Fatalf("published %d modify requests after failure, want 2", n)
	}
}

func TestEntrySkippedWhenStopCrossesEntry(t *testing.T) {
	// Ticker already below the computed stop: SL = 49900 - 200 = 49700 > 49000.
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 49000}, balance: 10000}
	fb := &fakeBus{}
	e := newTestEngine(&fakeStrategy{signal: longSignal()}, acct, fb)

	e.onCandle(context.Background(), candleAt(time.Now(), 49000))

	if n := fb.count(bus.NewOrderChannel); n != 0 {
		t.Fatalf("published %d order requests with stop above entry, want 0", n)
	}
	if e.pendingCID != "" {
		t.Error("pending lock set for a skipped entry")
	}
}

func TestFundingGuardBlocksLongEntry(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000, FundingRate: -0.001}, balance: 10000}
	fb := &fakeBus{}
	e := newTestEngine(&fakeStrategy{signal: longSignal()}, acct, fb)

	e.onCandle(context.Background(), candleAt(time.Now(), 50000))

	if n := fb.count(bus.NewOrderChannel); n != 0 {
		t.Fatalf("published %d order requests, want 0 (funding guard)", n)
	}
}

func TestShadowModeNeverPublishes(t *testing.T) {
	acct := &fakeAccount{ticker: bybit.Ticker{LastPrice: 50000}, balance: 10000}
	fb := &fakeBus{}
	cfg := testConfig()
	cfg.ShadowMode = true
	e := New(cfg, &fakeStrategy{signal: longSignal()}, acct, &fakeHistory{}, fb, alert.Noop{}, zerolog.Nop())

	e.onCandle(context.Background(), candleAt(time.Now(), 50000))

	if n := fb.count(bus.NewOrderChannel); n != 0 {
		t.Fatalf("shadow mode published %d order requests", n)
	}
	if e.pos == nil {
		t.Fatal("shadow mode should open a simulated position")
	}
	if e.pendingCID != "" {
		t.Error("shadow mode must not hold the pending lock")
	}
}

func TestSyncPositionAdoptsExchangeState(t *testing.T) {
	acct := &fakeAccount{position: bybit.Position{Size: 0.25, Side: "Sell", AvgPrice: 51000, StopLoss: 52000}}
	e := newTestEngine(&fakeStrategy{}, acct, &fakeBus{})

	if err := e.syncPosition(context.Background()); err != nil {
		t.Fatalf("syncPosition: %v", err)
	}
	if e.pos == nil || e.pos.Direction != market.Short || e.pos.Qty != 0.25 {
		t.Fatalf("recovered position = %+v", e.pos)
	}
	if e.pos.StopLoss != 52000 {
		t.Errorf("recovered stop loss = %v, want 52000", e.pos.StopLoss)
	}
}

package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

func TestLongRoundTripPnL(t *testing.T) {
	broker := NewBroker(10000, 0.001)

	now := time.Now()
	if err := broker.Open(market.Long, 0.5, 50000, 49000, 52000, now); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if !broker.InPosition() {
		t.Fatal("position not tracked after open")
	}

	trade, err := broker.Close(51000, now.Add(time.Hour), "take profit")
	if err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	// gross 500, fees 0.5*(50000+51000)*0.001 = 50.5
	if math.Abs(trade.PnL-449.5) > 1e-6 {
		t.Fatalf("net pnl = %.4f, want 449.5", trade.PnL)
	}
	if math.Abs(trade.Commission-50.5) > 1e-6 {
		t.Fatalf("commission = %.4f, want 50.5", trade.Commission)
	}
	if math.Abs(broker.Cash()-10449.5) > 1e-6 {
		t.Fatalf("cash = %.4f, want 10449.5", broker.Cash())
	}
	if broker.InPosition() {
		t.Fatal("position not cleared after close")
	}
}

func TestShortProfitsWhenPriceFalls(t *testing.T) {
	broker := NewBroker(10000, 0)

	now := time.Now()
	if err := broker.Open(market.Short, 1, 50000, 51000, 48000, now); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	trade, err := broker.Close(49000, now.Add(time.Hour), "take profit")
	if err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if trade.PnL <= 0 {
		t.Fatalf("short into falling market lost %.2f", trade.PnL)
	}
}

func TestSingleOpenPosition(t *testing.T) {
	broker := NewBroker(10000, 0)
	now := time.Now()
	if err := broker.Open(market.Long, 1, 50000, 0, 0, now); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := broker.Open(market.Long, 1, 50000, 0, 0, now); err == nil {
		t.Fatal("second open should be rejected")
	}
}

func TestCloseWithoutPosition(t *testing.T) {
	broker := NewBroker(10000, 0)
	if _, err := broker.Close(50000, time.Now(), "x"); err == nil {
		t.Fatal("close with no position should error")
	}
}

func TestStopLossTrailsOneWay(t *testing.T) {
	broker := NewBroker(10000, 0)
	now := time.Now()
	if err := broker.Open(market.Long, 1, 50000, 49000, 0, now); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	broker.SetStopLoss(49500)
	if _, _, _, sl, _, _ := broker.Position(); sl != 49500 {
		t.Fatalf("stop loss = %v, want 49500", sl)
	}
	broker.SetStopLoss(49200) // must not loosen
	if _, _, _, sl, _, _ := broker.Position(); sl != 49500 {
		t.Fatalf("stop loss loosened to %v", sl)
	}
}

func TestDrawdownTracksEquityTrough(t *testing.T) {
	broker := NewBroker(1000, 0)
	now := time.Now()

	if err := broker.Open(market.Long, 1, 100, 0, 0, now); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if _, err := broker.Close(50, now, "stop loss"); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	// equity 950 off a 1000 peak
	if broker.maxDrawdown < 0.049 || broker.maxDrawdown > 0.051 {
		t.Fatalf("max drawdown = %.4f, want ~0.05", broker.maxDrawdown)
	}
}

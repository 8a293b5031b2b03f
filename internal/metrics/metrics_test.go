package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRegistered(t *testing.T) {
	KlinesTotal.WithLabelValues("BTCUSDT").Inc()
	if got := testutil.ToFloat64(KlinesTotal.WithLabelValues("BTCUSDT")); got < 1 {
		t.Fatalf("expected klines counter to increment, got %.0f", got)
	}

	OrdersTotal.WithLabelValues("BTCUSDT", "open").Inc()
	if got := testutil.ToFloat64(OrdersTotal.WithLabelValues("BTCUSDT", "open")); got < 1 {
		t.Fatalf("expected orders counter to increment, got %.0f", got)
	}

	ComponentRestartsTotal.WithLabelValues("engine", "dead").Inc()
	if got := testutil.ToFloat64(ComponentRestartsTotal.WithLabelValues("engine", "dead")); got < 1 {
		t.Fatalf("expected restarts counter to increment, got %.0f", got)
	}
}

package bus

import (
	"encoding/json"
	"testing"
)

func TestKlineChannel(t *testing.T) {
	if got := KlineChannel("BTCUSDT"); got != "klines:BTCUSDT" {
		t.Fatalf("unexpected channel name: %s", got)
	}
}

// Wire field names are shared with external consumers; keep them stable.
func TestOrderRequestWireFormat(t *testing.T) {
	req := OrderRequest{
		ClientOrderID: "bot_open_BTCUSDT_1",
		Symbol:        "BTCUSDT",
		Side:          "Buy",
		OrderType:     "Market",
		Qty:           0.01,
		StopLoss:      48_000,
		TakeProfit:    52_000,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}
	for _, key := range []string{"client_order_id", "symbol", "side", "order_type", "qty", "stop_loss", "take_profit"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("expected wire key %q in %s", key, payload)
		}
	}
}

func TestOrderUpdateOmitsEmptyError(t *testing.T) {
	payload, err := json.Marshal(OrderUpdate{ClientOrderID: "cid", Status: "Filled", AvgPrice: 50_000})
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Fatalf("expected empty error omitted from %s", payload)
	}
}

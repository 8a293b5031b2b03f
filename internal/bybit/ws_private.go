package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// OrderEvent is an execution update from the private order topic.
type OrderEvent struct {
	Symbol        string
	OrderLinkID   string
	OrderID       string
	OrderStatus   string
	AvgPrice      float64
	Qty           float64
	RejectReason  string
}

// OrderStream consumes the authenticated private websocket and emits order
// updates. Reconnects re-authenticate and re-subscribe.
type OrderStream struct {
	creds   Credentials
	testnet bool
	log     zerolog.Logger
	nowFunc func() time.Time
}

// NewOrderStream builds the private order update stream.
func NewOrderStream(creds Credentials, testnet bool, log zerolog.Logger) *OrderStream {
	return &OrderStream{creds: creds, testnet: testnet, log: log, nowFunc: time.Now}
}

// Run blocks, feeding order events to out until ctx is done.
func (s *OrderStream) Run(ctx context.Context, out chan<- OrderEvent) error {
	endpoint := mainnetPrivateWS
	if s.testnet {
		endpoint = testnetPrivateWS
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.consume(ctx, endpoint, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("order stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(wsMaxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

// wsSignature signs the websocket auth payload.
func wsSignature(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseFloatLoose treats empty or malformed numeric strings as zero. Bybit
// omits avgPrice on unfilled orders.
func parseFloatLoose(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

type wsAuth struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type wsAck struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
}

type orderEnvelope struct {
	Topic string       `json:"topic"`
	Data  []orderPayld `json:"data"`
}

type orderPayld struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	OrderStatus  string `json:"orderStatus"`
	AvgPrice     string `json:"avgPrice"`
	Qty          string `json:"qty"`
	RejectReason string `json:"rejectReason"`
}

func (s *OrderStream) consume(ctx context.Context, endpoint string, out chan<- OrderEvent) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	expires := s.nowFunc().UnixMilli() + 10_000
	sig := wsSignature(s.creds.Secret, fmt.Sprintf("GET/realtime%d", expires))
	auth := wsAuth{Op: "auth", Args: []any{s.creds.Key, expires, sig}}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	if err := conn.WriteJSON(wsSubscribe{Op: "subscribe", Args: []string{"order"}}); err != nil {
		return fmt.Errorf("subscribe order: %w", err)
	}
	s.log.Info().Msg("connected private order stream")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go keepAlive(pingCtx, conn, s.log)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var ack wsAck
		if err := json.Unmarshal(message, &ack); err == nil && ack.Op != "" {
			if (ack.Op == "auth" || ack.Op == "subscribe") && !ack.Success {
				return fmt.Errorf("websocket %s rejected: %s", ack.Op, ack.RetMsg)
			}
			continue
		}

		var env orderEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode order message")
			continue
		}
		if env.Topic != "order" {
			continue
		}
		for _, raw := range env.Data {
			event := OrderEvent{
				Symbol:       raw.Symbol,
				OrderLinkID:  raw.OrderLinkID,
				OrderID:      raw.OrderID,
				OrderStatus:  raw.OrderStatus,
				AvgPrice:     parseFloatLoose(raw.AvgPrice),
				Qty:          parseFloatLoose(raw.Qty),
				RejectReason: raw.RejectReason,
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

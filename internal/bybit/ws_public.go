package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 30 * time.Second
	wsPingInterval     = 20 * time.Second
	wsMaxBackoff       = 30 * time.Second
)

// KlineStream consumes the public kline websocket for one symbol/interval,
// pushing confirmed candles onto out until the context is canceled. The
// connection is re-dialed with capped backoff on any failure.
type KlineStream struct {
	symbol   string
	interval string
	testnet  bool
	log      zerolog.Logger
}

// NewKlineStream builds a stream for the configured symbol and interval.
func NewKlineStream(symbol, interval string, testnet bool, log zerolog.Logger) *KlineStream {
	return &KlineStream{symbol: symbol, interval: interval, testnet: testnet, log: log}
}

// Topic returns the websocket subscription topic.
func (s *KlineStream) Topic() string {
	return fmt.Sprintf("kline.%s.%s", s.interval, s.symbol)
}

// Run blocks, feeding confirmed candles to out until ctx is done.
func (s *KlineStream) Run(ctx context.Context, out chan<- market.Candle) error {
	endpoint := mainnetPublicWS
	if s.testnet {
		endpoint = testnetPublicWS
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
			s.log.Warn().Err(err).Msg("kline stream disconnected, retrying")
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

type wsSubscribe struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type klineEnvelope struct {
	Topic string     `json:"topic"`
	Data  []wsCandle `json:"data"`
}

type wsCandle struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

func (s *KlineStream) consume(ctx context.Context, endpoint string, out chan<- market.Candle) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsSubscribe{Op: "subscribe", Args: []string{s.Topic()}}); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Topic(), err)
	}
	s.log.Info().Str("topic", s.Topic()).Msg("connected public kline stream")

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

		var env klineEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode kline message")
			continue
		}
		if !strings.HasPrefix(env.Topic, "kline.") {
			continue
		}
		for _, raw := range env.Data {
			if !raw.Confirm {
				continue
			}
			candle, err := raw.toCandle(s.symbol)
			if err != nil {
				s.log.Warn().Err(err).Msg("invalid candle payload")
				continue
			}
			select {
			case out <- candle:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w wsCandle) toCandle(symbol string) (market.Candle, error) {
	vals := make([]float64, 5)
	for i, s := range []string{w.Open, w.High, w.Low, w.Close, w.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("candle field %d %q: %w", i, s, err)
		}
		vals[i] = v
	}
	return market.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(w.Start).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// keepAlive sends the Bybit application-level ping on an interval.
func keepAlive(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				log.Warn().Err(err).Msg("websocket ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Package bus wraps Redis pub/sub used to decouple the collector, engine,
// and order manager, plus the heartbeat keys the supervisor watches.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel names shared by every component.
const (
	NewOrderChannel     = "orders:new"
	ModifyOrderChannel  = "orders:modify"
	CloseOrderChannel   = "orders:close"
	OrderUpdateChannel  = "orders:update"
	klineChannelPrefix  = "klines:"
	heartbeatKeyPrefix  = "heartbeat:"
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// KlineChannel returns the candle channel for a symbol.
func KlineChannel(symbol string) string { return klineChannelPrefix + symbol }

// OrderRequest asks the order manager to place a new order.
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
}

// ModifyRequest asks the order manager to move the position SL/TP.
type ModifyRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	PositionIdx   int     `json:"position_idx"`
	NewStopLoss   float64 `json:"new_stop_loss"`
	NewTakeProfit float64 `json:"new_take_profit"`
}

// CloseRequest asks the order manager to flatten the held position.
// Side is the side of the position being closed, not the closing order.
type CloseRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
}

// OrderUpdate reports the outcome of any request back to the engine.
type OrderUpdate struct {
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id,omitempty"`
	Status        string  `json:"status"`
	AvgPrice      float64 `json:"avg_price,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Bus is a thin JSON pub/sub layer over a Redis client.
type Bus struct {
	rdb *redis.Client
}

// New connects to Redis at addr (host:port).
func New(addr string) *Bus {
	return &Bus{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})}
}

// Ping verifies connectivity, used by startup wait loops.
func (b *Bus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

// Close releases the Redis connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

// Publish marshals v to JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels. The caller
// owns the returned subscription and must Close it.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channels...)
}

// Heartbeat records the current time for a component.
func (b *Bus) Heartbeat(ctx context.Context, component string) error {
	return b.rdb.Set(ctx, heartbeatKeyPrefix+component, time.Now().Unix(), 0).Err()
}

// HeartbeatAge returns how long ago a component last beat. ok is false when
// the component has never reported.
func (b *Bus) HeartbeatAge(ctx context.Context, component string) (age time.Duration, ok bool, err error) {
	val, err := b.rdb.Get(ctx, heartbeatKeyPrefix+component).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("heartbeat get: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("heartbeat parse: %w", err)
	}
	return time.Since(time.Unix(unix, 0)), true, nil
}

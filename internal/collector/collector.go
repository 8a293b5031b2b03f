// Package collector ingests confirmed candles from the exchange websocket,
// persists them, and fans them out over the bus for the trading engine.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/bus"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
	"github.com/enggilvano-cmd/Bot-trade/internal/metrics"
)

const (
	// Name is the component name reported to the supervisor.
	Name = "DataCollector"

	heartbeatInterval = 30 * time.Second
)

// klineSaver is the slice of the store the collector needs.
type klineSaver interface {
	UpsertKline(ctx context.Context, c market.Candle) error
}

// publisher is the slice of the bus the collector needs.
type publisher interface {
	Publish(ctx context.Context, channel string, v interface{}) error
	Heartbeat(ctx context.Context, component string) error
}

// stream feeds confirmed candles; satisfied by bybit.KlineStream.
type stream interface {
	Run(ctx context.Context, out chan<- market.Candle) error
}

// Collector wires the websocket stream to storage and the bus.
type Collector struct {
	symbol string
	stream stream
	db     klineSaver
	bus    publisher
	log    zerolog.Logger
}

// New builds a collector for one symbol.
func New(symbol string, stream stream, db klineSaver, b publisher, log zerolog.Logger) *Collector {
	return &Collector{
		symbol: symbol,
		stream: stream,
		db:     db,
		bus:    b,
		log:    log.With().Str("component", Name).Logger(),
	}
}

// Name implements the supervised component interface.
func (c *Collector) Name() string { return Name }

// Run blocks until ctx is canceled or the stream fails terminally. The
// websocket reconnects internally, so a returned error is fatal for this
// incarnation and left to the supervisor.
func (c *Collector) Run(ctx context.Context) error {
	candles := make(chan market.Candle, 16)

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.stream.Run(ctx, candles) }()

	if err := c.bus.Heartbeat(ctx, Name); err != nil {
		c.log.Warn().Err(err).Msg("initial heartbeat failed")
	}
	beat := time.NewTicker(heartbeatInterval)
	defer beat.Stop()

	c.log.Info().Str("symbol", c.symbol).Msg("collector started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("kline stream: %w", err)
			}
			return ctx.Err()
		case <-beat.C:
			if err := c.bus.Heartbeat(ctx, Name); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
			}
		case candle := <-candles:
			c.handle(ctx, candle)
		}
	}
}

// handle persists a confirmed candle and publishes it for the engine. A DB
// failure only logs: the engine can still act on the live candle and the
// backfill job repairs gaps.
func (c *Collector) handle(ctx context.Context, candle market.Candle) {
	if err := c.db.UpsertKline(ctx, candle); err != nil {
		c.log.Error().Err(err).Time("ts", candle.Timestamp).Msg("failed to persist candle")
	}
	if err := c.bus.Publish(ctx, bus.KlineChannel(c.symbol), candle); err != nil {
		c.log.Error().Err(err).Msg("failed to publish candle")
		return
	}
	metrics.KlinesTotal.WithLabelValues(c.symbol).Inc()
	// Each processed candle counts as liveness too, not just the ticker.
	if err := c.bus.Heartbeat(ctx, Name); err != nil {
		c.log.Warn().Err(err).Msg("heartbeat failed")
	}
	c.log.Debug().
		Time("ts", candle.Timestamp).
		Float64("close", candle.Close).
		Msg("candle stored and published")
}

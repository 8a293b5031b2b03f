// Package engine runs the trading loop: it replays stored history to warm up
// the indicator window, consumes live candles off the bus, and turns strategy
// signals into order requests for the order manager.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/alert"
	"github.com/enggilvano-cmd/Bot-trade/internal/bus"
	"github.com/enggilvano-cmd/Bot-trade/internal/bybit"
	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
	"github.com/enggilvano-cmd/Bot-trade/internal/metrics"
	"github.com/enggilvano-cmd/Bot-trade/internal/risk"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
)

const (
	// Name is the component name reported to the supervisor.
	Name = "TradingEngine"

	heartbeatInterval = 30 * time.Second
)

// account is the slice of the REST client the engine needs.
type account interface {
	Ticker(ctx context.Context, symbol string) (bybit.Ticker, error)
	WalletBalance(ctx context.Context, coin string) (float64, error)
	Position(ctx context.Context, symbol string) (bybit.Position, error)
}

// history is the slice of the store the engine needs.
type history interface {
	RecentKlines(ctx context.Context, symbol string, limit int) ([]market.Candle, error)
}

// messageBus is the slice of the bus the engine needs.
type messageBus interface {
	Publish(ctx context.Context, channel string, v interface{}) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Heartbeat(ctx context.Context, component string) error
}

// position is the engine's in-memory view of the held position.
type position struct {
	Direction  market.Direction
	Qty        float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// pendingOrder remembers what a published entry becomes once it fills.
type pendingOrder struct {
	Direction  market.Direction
	Qty        float64
	StopLoss   float64
	TakeProfit float64
}

// Engine ties strategy, risk, and execution together for one symbol.
type Engine struct {
	cfg    config.Config
	strat  strategy.Strategy
	sizer  risk.Sizer
	series *market.Series

	client account
	db     history
	bus    messageBus
	notify alert.Notifier
	log    zerolog.Logger

	pos        *position // nil when flat
	pendingCID string    // entry, close, or modify in flight; blocks new decisions
	pending    map[string]pendingOrder
	pendingSL  float64 // stop candidate awaiting modify confirmation

	nowFunc func() time.Time
}

// New builds a trading engine from validated configuration.
func New(cfg config.Config, strat strategy.Strategy, client account, db history, b messageBus, notify alert.Notifier, log zerolog.Logger) *Engine {
	if notify == nil {
		notify = alert.Noop{}
	}
	windowLen := strat.MinCandles()
	if cfg.Engine.WarmUpCandles > windowLen {
		windowLen = cfg.Engine.WarmUpCandles
	}
	return &Engine{
		cfg:     cfg,
		strat:   strat,
		sizer:   risk.NewSizer(cfg.Risk),
		series:  market.NewSeries(windowLen + 200),
		client:  client,
		db:      db,
		bus:     b,
		notify:  notify,
		log:     log.With().Str("component", Name).Logger(),
		pending: map[string]pendingOrder{},
		nowFunc: time.Now,
	}
}

// Name implements the supervised component interface.
func (e *Engine) Name() string { return Name }

// Run blocks, trading until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.warmUp(ctx); err != nil {
		return err
	}
	if err := e.syncPosition(ctx); err != nil {
		e.log.Warn().Err(err).Msg("position sync failed, assuming flat")
	}

	sub := e.bus.Subscribe(ctx, bus.KlineChannel(e.cfg.Symbol), bus.OrderUpdateChannel)
	defer sub.Close()
	messages := sub.Channel()

	if err := e.bus.Heartbeat(ctx, Name); err != nil {
		e.log.Warn().Err(err).Msg("initial heartbeat failed")
	}
	beat := time.NewTicker(heartbeatInterval)
	defer beat.Stop()

	e.log.Info().
		Str("symbol", e.cfg.Symbol).
		Str("strategy", e.strat.Name()).
		Bool("shadow", e.cfg.ShadowMode).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat.C:
			if err := e.bus.Heartbeat(ctx, Name); err != nil {
				e.log.Warn().Err(err).Msg("heartbeat failed")
			}
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			switch msg.Channel {
			case bus.KlineChannel(e.cfg.Symbol):
				var candle market.Candle
				if err := json.Unmarshal([]byte(msg.Payload), &candle); err != nil {
					e.log.Error().Err(err).Msg("malformed candle payload")
					continue
				}
				e.onCandle(ctx, candle)
			case bus.OrderUpdateChannel:
				var update bus.OrderUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					e.log.Error().Err(err).Msg("malformed order update")
					continue
				}
				e.onOrderUpdate(update)
			}
		}
	}
}

// warmUp seeds the candle window from storage so the first live candle is
// evaluated against fully seeded indicators.
func (e *Engine) warmUp(ctx context.Context) error {
	want := e.cfg.Engine.WarmUpCandles
	if min := e.strat.MinCandles(); want < min {
		want = min
	}
	candles, err := e.db.RecentKlines(ctx, e.cfg.Symbol, want)
	if err != nil {
		return fmt.Errorf("warm up: %w", err)
	}
	e.series.Seed(candles)
	if len(candles) < e.strat.MinCandles() {
		e.log.Warn().
			Int("have", len(candles)).
			Int("need", e.strat.MinCandles()).
			Msg("insufficient history, waiting for live candles")
	} else {
		e.log.Info().Int("candles", len(candles)).Msg("indicator window warmed up")
	}
	return nil
}

// syncPosition adopts a position left open by a previous run.
func (e *Engine) syncPosition(ctx context.Context) error {
	pos, err := e.client.Position(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	if pos.Size <= 0 {
		e.log.Info().Msg("no open position on exchange")
		return nil
	}
	dir := market.Long
	if strings.EqualFold(pos.Side, "Sell") {
		dir = market.Short
	}
	e.pos = &position{
		Direction:  dir,
		Qty:        pos.Size,
		EntryPrice: pos.AvgPrice,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	}
	e.log.Warn().
		Str("direction", string(dir)).
		Float64("qty", pos.Size).
		Float64("entry", pos.AvgPrice).
		Msg("recovered open position from exchange")
	e.notify.Send(fmt.Sprintf("♻️ Recovered open %s position: %.3f %s @ %.2f", dir, pos.Size, e.cfg.Symbol, pos.AvgPrice))
	return nil
}

// onCandle drives one strategy evaluation. Nothing happens while an order is
// in flight so a slow fill cannot double-trade.
func (e *Engine) onCandle(ctx context.Context, candle market.Candle) {
	if !e.series.Append(candle) {
		e.log.Debug().Time("ts", candle.Timestamp).Msg("stale candle dropped")
		return
	}
	if e.pendingCID != "" {
		e.log.Debug().Str("cid", e.pendingCID).Msg("order in flight, skipping evaluation")
		return
	}
	if e.series.Len() < e.strat.MinCandles() {
		return
	}

	if e.pos != nil {
		e.manage(ctx, candle)
		return
	}

	signal := e.strat.OnCandle(e.series)
	if signal == nil {
		return
	}
	metrics.SignalsTotal.WithLabelValues(e.cfg.Symbol, string(signal.Direction)).Inc()
	e.enter(ctx, candle, signal)
}

// manage runs the exit logic for an open position: an opposite strategy
// signal closes it, otherwise the ATR trailing stop may tighten.
func (e *Engine) manage(ctx context.Context, candle market.Candle) {
	if signal := e.strat.OnCandle(e.series); signal != nil && signal.Direction != e.pos.Direction {
		metrics.SignalsTotal.WithLabelValues(e.cfg.Symbol, string(signal.Direction)).Inc()
		e.close(ctx, "opposite signal")
		return
	}
	e.trail(ctx, candle)
}

// trail moves the stop loss with the market, never against it. Longs trail
// below recent lows, shorts above recent highs, both offset by ATR.
func (e *Engine) trail(ctx context.Context, candle market.Candle) {
	snap, ok := e.strat.Snapshot(e.series)
	if !ok || snap.ATR <= 0 {
		return
	}
	mult := e.cfg.Risk.ATRMultiplier

	var candidate float64
	improved := false
	switch e.pos.Direction {
	case market.Long:
		candidate = risk.RoundPrice(candle.Low - snap.ATR*mult)
		improved = candidate > e.pos.StopLoss
	case market.Short:
		candidate = risk.RoundPrice(candle.High + snap.ATR*mult)
		improved = e.pos.StopLoss == 0 || candidate < e.pos.StopLoss
	}
	if !improved || candidate <= 0 {
		return
	}

	cid := e.newCID("mod")
	if e.cfg.ShadowMode {
		e.log.Info().
			Str("mode", "shadow").
			Float64("old_sl", e.pos.StopLoss).
			Float64("new_sl", candidate).
			Msg("trailing stop moved")
		e.pos.StopLoss = candidate
		return
	}

	req := bus.ModifyRequest{
		ClientOrderID: cid,
		Symbol:        e.cfg.Symbol,
		NewStopLoss:   candidate,
		NewTakeProfit: e.pos.TakeProfit,
	}
	if err := e.bus.Publish(ctx, bus.ModifyOrderChannel, req); err != nil {
		e.log.Error().Err(err).Msg("failed to publish trailing stop")
		return
	}
	// The in-memory stop only moves once the exchange confirms; a failed
	// modify leaves both sides on the old level.
	e.pendingCID = cid
	e.pendingSL = candidate
	e.log.Info().
		Str("cid", cid).
		Float64("old_sl", e.pos.StopLoss).
		Float64("new_sl", candidate).
		Msg("trailing stop update sent")
}

// enter sizes and submits a new position in the signal direction.
func (e *Engine) enter(ctx context.Context, candle market.Candle, signal *market.Signal) {
	ticker, err := e.client.Ticker(ctx, e.cfg.Symbol)
	if err != nil {
		e.log.Error().Err(err).Msg("ticker unavailable, skipping entry")
		return
	}
	if !e.sizer.AllowFunding(signal.Direction, ticker.FundingRate) {
		e.log.Warn().
			Float64("funding_rate", ticker.FundingRate).
			Msg("entry blocked by funding rate guard")
		return
	}

	entryPrice := ticker.LastPrice
	if entryPrice <= 0 {
		entryPrice = candle.Close
	}

	var stopLoss float64
	switch signal.Direction {
	case market.Long:
		stopLoss = signal.SLBasePrice - signal.ATRValue*e.cfg.Risk.ATRMultiplier
	case market.Short:
		stopLoss = signal.SLBasePrice + signal.ATRValue*e.cfg.Risk.ATRMultiplier
	}
	stopLoss = risk.RoundPrice(stopLoss)
	if stopLoss <= 0 {
		e.log.Warn().Float64("stop_loss", stopLoss).Msg("invalid stop loss, skipping entry")
		return
	}

	perUnitRisk := entryPrice - stopLoss
	if signal.Direction == market.Short {
		perUnitRisk = stopLoss - entryPrice
	}
	if perUnitRisk <= 0 {
		// Price already moved through the computed stop between the signal
		// candle and the live ticker; the trade setup is gone.
		e.log.Warn().
			Float64("entry", entryPrice).
			Float64("stop_loss", stopLoss).
			Msg("stop on the wrong side of entry, skipping")
		return
	}

	rr := e.cfg.Risk.RiskRewardRatio
	if rr <= 0 {
		rr = 1.5
	}
	var takeProfit float64
	if signal.Direction == market.Long {
		takeProfit = risk.RoundPrice(entryPrice + perUnitRisk*rr)
	} else {
		takeProfit = risk.RoundPrice(entryPrice - perUnitRisk*rr)
	}

	balance, err := e.client.WalletBalance(ctx, "USDT")
	if err != nil {
		e.log.Error().Err(err).Msg("wallet balance unavailable, skipping entry")
		return
	}
	qty, err := e.sizer.Size(balance, entryPrice, stopLoss, signal.RiskMultiplier)
	if err != nil {
		e.log.Warn().Err(err).Msg("position sizing declined the trade")
		return
	}

	side := "Buy"
	if signal.Direction == market.Short {
		side = "Sell"
	}
	cid := e.newCID("open")

	if e.cfg.ShadowMode {
		e.pos = &position{
			Direction:  signal.Direction,
			Qty:        qty,
			EntryPrice: entryPrice,
			StopLoss:   stopLoss,
			TakeProfit: takeProfit,
		}
		e.log.Info().
			Str("mode", "shadow").
			Str("direction", string(signal.Direction)).
			Float64("qty", qty).
			Float64("entry", entryPrice).
			Float64("sl", stopLoss).
			Float64("tp", takeProfit).
			Msg("simulated entry")
		e.notify.Send(fmt.Sprintf("👻 [SHADOW] %s %s %.3f @ %.2f (SL %.2f / TP %.2f)",
			strings.ToUpper(string(signal.Direction)), e.cfg.Symbol, qty, entryPrice, stopLoss, takeProfit))
		return
	}

	req := bus.OrderRequest{
		ClientOrderID: cid,
		Symbol:        e.cfg.Symbol,
		Side:          side,
		OrderType:     "Market",
		Qty:           qty,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
	}
	if err := e.bus.Publish(ctx, bus.NewOrderChannel, req); err != nil {
		e.log.Error().Err(err).Msg("failed to publish order request")
		return
	}
	e.pendingCID = cid
	e.pending[cid] = pendingOrder{
		Direction:  signal.Direction,
		Qty:        qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}
	e.log.Info().
		Str("cid", cid).
		Str("direction", string(signal.Direction)).
		Float64("qty", qty).
		Float64("entry", entryPrice).
		Float64("sl", stopLoss).
		Float64("tp", takeProfit).
		Msg("entry order sent")
}

// close flattens the current position.
func (e *Engine) close(ctx context.Context, reason string) {
	if e.pos == nil {
		return
	}
	if e.cfg.ShadowMode {
		e.log.Info().
			Str("mode", "shadow").
			Str("reason", reason).
			Str("direction", string(e.pos.Direction)).
			Msg("simulated close")
		e.notify.Send(fmt.Sprintf("👻 [SHADOW] Closed %s %s: %s", e.pos.Direction, e.cfg.Symbol, reason))
		e.pos = nil
		return
	}

	side := "Buy"
	if e.pos.Direction == market.Short {
		side = "Sell"
	}
	cid := e.newCID("close")
	req := bus.CloseRequest{
		ClientOrderID: cid,
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Qty:           e.pos.Qty,
	}
	if err := e.bus.Publish(ctx, bus.CloseOrderChannel, req); err != nil {
		e.log.Error().Err(err).Msg("failed to publish close request")
		return
	}
	e.pendingCID = cid
	e.log.Info().Str("cid", cid).Str("reason", reason).Msg("close order sent")
}

// onOrderUpdate resolves in-flight orders. Only terminal statuses release
// the pending lock; intermediate ones (New, PartiallyFilled) keep it held.
func (e *Engine) onOrderUpdate(update bus.OrderUpdate) {
	logEvent := e.log.Info().
		Str("cid", update.ClientOrderID).
		Str("status", update.Status)

	switch update.Status {
	case store.StatusFilled:
		logEvent.Float64("avg_price", update.AvgPrice).Msg("order filled")
		e.applyFill(update)
	case store.StatusModified:
		logEvent.Msg("trailing stop confirmed")
		if update.ClientOrderID == e.pendingCID {
			e.pendingCID = ""
			if e.pos != nil && e.pendingSL > 0 {
				e.pos.StopLoss = e.pendingSL
			}
			e.pendingSL = 0
		}
	case store.StatusRejected, store.StatusCancelled, store.StatusFailed:
		logEvent.Str("error", update.Error).Msg("order did not complete")
		if update.ClientOrderID == e.pendingCID {
			e.pendingCID = ""
			e.pendingSL = 0
			delete(e.pending, update.ClientOrderID)
			e.notify.Send(fmt.Sprintf("⚠️ Order %s %s: %s", update.ClientOrderID, update.Status, update.Error))
		}
	default:
		logEvent.Msg("order update")
	}
}

func (e *Engine) applyFill(update bus.OrderUpdate) {
	if update.ClientOrderID != e.pendingCID {
		return
	}
	e.pendingCID = ""

	if po, ok := e.pending[update.ClientOrderID]; ok {
		delete(e.pending, update.ClientOrderID)
		entry := update.AvgPrice
		e.pos = &position{
			Direction:  po.Direction,
			Qty:        po.Qty,
			EntryPrice: entry,
			StopLoss:   po.StopLoss,
			TakeProfit: po.TakeProfit,
		}
		e.notify.Send(fmt.Sprintf("✅ Opened %s %s: %.3f @ %.2f (SL %.2f / TP %.2f)",
			strings.ToUpper(string(po.Direction)), e.cfg.Symbol, po.Qty, entry, po.StopLoss, po.TakeProfit))
		return
	}

	// No pending entry record means this was a close.
	if e.pos != nil {
		e.notify.Send(fmt.Sprintf("✅ Closed %s %s @ %.2f", e.pos.Direction, e.cfg.Symbol, update.AvgPrice))
		e.pos = nil
	}
}

func (e *Engine) newCID(kind string) string {
	return fmt.Sprintf("bot_%s_%s_%d_%04d",
		kind, strings.ToLower(e.cfg.Symbol), e.nowFunc().UnixMilli(), rand.Intn(10000))
}

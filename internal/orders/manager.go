// Package orders executes trade requests against the exchange. Every request
// is persisted before it is sent, execution results stream back over the
// private websocket, and outcomes are published for the engine.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/alert"
	"github.com/enggilvano-cmd/Bot-trade/internal/bus"
	"github.com/enggilvano-cmd/Bot-trade/internal/bybit"
	"github.com/enggilvano-cmd/Bot-trade/internal/metrics"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
)

const (
	// Name is the component name reported to the supervisor.
	Name = "OrderManager"

	heartbeatInterval = 30 * time.Second

	retryInitialInterval = time.Second
	retryMaxInterval     = 10 * time.Second
	maxRetries           = 2 // 3 attempts total

	// retCodeStopUnchanged comes back from trading-stop when the requested
	// level equals the current one. Harmless for a trailing stop.
	retCodeStopUnchanged = 110043
)

// exchange is the slice of the REST client the manager needs.
type exchange interface {
	PlaceOrder(ctx context.Context, req bybit.OrderRequest) (string, error)
	SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopLoss, takeProfit float64) error
}

// orderStore is the slice of the store the manager needs.
type orderStore interface {
	InsertOrder(ctx context.Context, o *store.Order) error
	UpdateOrder(ctx context.Context, clientOrderID string, upd store.OrderUpdate) error
	GetOrder(ctx context.Context, clientOrderID string) (*store.Order, error)
}

// messageBus is the slice of the bus the manager needs.
type messageBus interface {
	Publish(ctx context.Context, channel string, v interface{}) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Heartbeat(ctx context.Context, component string) error
}

// eventStream feeds private order updates; satisfied by bybit.OrderStream.
type eventStream interface {
	Run(ctx context.Context, out chan<- bybit.OrderEvent) error
}

// Manager consumes order requests from the bus and executes them.
type Manager struct {
	client  exchange
	db      orderStore
	bus     messageBus
	private eventStream
	notify  alert.Notifier
	log     zerolog.Logger

	// retry intervals are fields so tests can shrink them
	retryInitial time.Duration
	retryMax     time.Duration
}

// New builds the order manager.
func New(client exchange, db orderStore, b messageBus, private eventStream, notify alert.Notifier, log zerolog.Logger) *Manager {
	if notify == nil {
		notify = alert.Noop{}
	}
	return &Manager{
		client:  client,
		db:      db,
		bus:     b,
		private: private,
		notify:  notify,
		log:     log.With().Str("component", Name).Logger(),

		retryInitial: retryInitialInterval,
		retryMax:     retryMaxInterval,
	}
}

// Name implements the supervised component interface.
func (m *Manager) Name() string { return Name }

// Run blocks, serving order requests until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.bus.Subscribe(ctx, bus.NewOrderChannel, bus.ModifyOrderChannel, bus.CloseOrderChannel)
	defer sub.Close()
	requests := sub.Channel()

	events := make(chan bybit.OrderEvent, 16)
	streamErr := make(chan error, 1)
	go func() { streamErr <- m.private.Run(ctx, events) }()

	if err := m.bus.Heartbeat(ctx, Name); err != nil {
		m.log.Warn().Err(err).Msg("initial heartbeat failed")
	}
	beat := time.NewTicker(heartbeatInterval)
	defer beat.Stop()

	m.log.Info().Msg("order manager started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("private order stream: %w", err)
			}
			return ctx.Err()
		case <-beat.C:
			if err := m.bus.Heartbeat(ctx, Name); err != nil {
				m.log.Warn().Err(err).Msg("heartbeat failed")
			}
		case event := <-events:
			m.handleEvent(ctx, event)
		case msg, ok := <-requests:
			if !ok {
				return errors.New("request subscription closed")
			}
			m.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, channel string, payload []byte) {
	switch channel {
	case bus.NewOrderChannel:
		var req bus.OrderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			m.log.Error().Err(err).Str("channel", channel).Msg("malformed order request")
			return
		}
		m.handleNew(ctx, req)
	case bus.ModifyOrderChannel:
		var req bus.ModifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			m.log.Error().Err(err).Str("channel", channel).Msg("malformed modify request")
			return
		}
		m.handleModify(ctx, req)
	case bus.CloseOrderChannel:
		var req bus.CloseRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			m.log.Error().Err(err).Str("channel", channel).Msg("malformed close request")
			return
		}
		m.handleClose(ctx, req)
	default:
		m.log.Warn().Str("channel", channel).Msg("message on unexpected channel")
	}
}

// handleNew persists the order, then submits it. The DB row exists before the
// exchange ever sees the order so a crash between the two leaves an audit
// trail instead of an untracked position.
func (m *Manager) handleNew(ctx context.Context, req bus.OrderRequest) {
	row := &store.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Price:         req.Price,
		Qty:           req.Qty,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		Status:        store.StatusSubmitted,
	}
	if err := m.db.InsertOrder(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			m.log.Warn().Str("cid", req.ClientOrderID).Msg("duplicate order request ignored")
			return
		}
		m.fail(ctx, req.ClientOrderID, req.Symbol, fmt.Errorf("persist order: %w", err))
		return
	}

	orderID, err := m.placeWithRetry(ctx, bybit.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Qty:           req.Qty,
		Price:         req.Price,
		ClientOrderID: req.ClientOrderID,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
	})
	if err != nil {
		m.fail(ctx, req.ClientOrderID, req.Symbol, err)
		return
	}

	if err := m.db.UpdateOrder(ctx, req.ClientOrderID, store.OrderUpdate{
		Status:  store.StatusNew,
		OrderID: orderID,
	}); err != nil {
		m.log.Error().Err(err).Str("cid", req.ClientOrderID).Msg("failed to record order acceptance")
	}
	metrics.OrdersTotal.WithLabelValues(req.Symbol, "new").Inc()
	m.log.Info().
		Str("cid", req.ClientOrderID).
		Str("order_id", orderID).
		Str("side", req.Side).
		Float64("qty", req.Qty).
		Msg("order accepted by exchange")
}

// handleModify moves the position SL/TP, typically for the trailing stop.
func (m *Manager) handleModify(ctx context.Context, req bus.ModifyRequest) {
	row := &store.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          "",
		OrderType:     "TradingStop",
		Qty:           0,
		StopLoss:      req.NewStopLoss,
		TakeProfit:    req.NewTakeProfit,
		Status:        store.StatusSubmitted,
	}
	if err := m.db.InsertOrder(ctx, row); err != nil && !errors.Is(err, store.ErrDuplicateOrder) {
		m.log.Error().Err(err).Str("cid", req.ClientOrderID).Msg("failed to persist modify request")
	}

	err := m.withRetry(ctx, func() error {
		return m.client.SetTradingStop(ctx, req.Symbol, req.PositionIdx, req.NewStopLoss, req.NewTakeProfit)
	})
	if err != nil {
		var apiErr *bybit.APIError
		if errors.As(err, &apiErr) && apiErr.RetCode == retCodeStopUnchanged {
			m.log.Warn().Str("cid", req.ClientOrderID).Msg("trading stop unchanged")
			m.finishModify(ctx, req, store.StatusModified, "")
			return
		}
		m.fail(ctx, req.ClientOrderID, req.Symbol, err)
		return
	}
	metrics.OrdersTotal.WithLabelValues(req.Symbol, "modify").Inc()
	m.log.Info().
		Str("cid", req.ClientOrderID).
		Float64("stop_loss", req.NewStopLoss).
		Msg("trading stop updated")
	m.finishModify(ctx, req, store.StatusModified, "")
}

func (m *Manager) finishModify(ctx context.Context, req bus.ModifyRequest, status, errMsg string) {
	if err := m.db.UpdateOrder(ctx, req.ClientOrderID, store.OrderUpdate{Status: status, ErrorMessage: errMsg}); err != nil {
		m.log.Error().Err(err).Str("cid", req.ClientOrderID).Msg("failed to record modify result")
	}
	update := bus.OrderUpdate{ClientOrderID: req.ClientOrderID, Status: status, Error: errMsg}
	if err := m.bus.Publish(ctx, bus.OrderUpdateChannel, update); err != nil {
		m.log.Error().Err(err).Msg("failed to publish modify result")
	}
}

// handleClose flattens the position with a reduce-only market order on the
// opposite side. Reduce-only guarantees it can never flip the position.
func (m *Manager) handleClose(ctx context.Context, req bus.CloseRequest) {
	closeSide := "Sell"
	if strings.EqualFold(req.Side, "Sell") {
		closeSide = "Buy"
	}

	row := &store.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          closeSide,
		OrderType:     "Market",
		Qty:           req.Qty,
		ReduceOnly:    true,
		Status:        store.StatusSubmitted,
	}
	if err := m.db.InsertOrder(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			m.log.Warn().Str("cid", req.ClientOrderID).Msg("duplicate close request ignored")
			return
		}
		m.fail(ctx, req.ClientOrderID, req.Symbol, fmt.Errorf("persist close order: %w", err))
		return
	}

	orderID, err := m.placeWithRetry(ctx, bybit.OrderRequest{
		Symbol:        req.Symbol,
		Side:          closeSide,
		OrderType:     "Market",
		Qty:           req.Qty,
		ClientOrderID: req.ClientOrderID,
		ReduceOnly:    true,
	})
	if err != nil {
		m.fail(ctx, req.ClientOrderID, req.Symbol, err)
		return
	}

	if err := m.db.UpdateOrder(ctx, req.ClientOrderID, store.OrderUpdate{
		Status:  store.StatusNew,
		OrderID: orderID,
	}); err != nil {
		m.log.Error().Err(err).Str("cid", req.ClientOrderID).Msg("failed to record close acceptance")
	}
	metrics.OrdersTotal.WithLabelValues(req.Symbol, "close").Inc()
	m.log.Info().
		Str("cid", req.ClientOrderID).
		Str("side", closeSide).
		Float64("qty", req.Qty).
		Msg("close order accepted by exchange")
}

// handleEvent applies a private websocket execution update and relays it.
// Orders placed outside the bot (manual trades, other tools) are ignored.
func (m *Manager) handleEvent(ctx context.Context, event bybit.OrderEvent) {
	if !strings.HasPrefix(event.OrderLinkID, "bot_") {
		return
	}
	upd := store.OrderUpdate{
		Status:   event.OrderStatus,
		OrderID:  event.OrderID,
		AvgPrice: event.AvgPrice,
	}
	if event.RejectReason != "" && event.RejectReason != "EC_NoError" {
		upd.ErrorMessage = event.RejectReason
	}
	if err := m.db.UpdateOrder(ctx, event.OrderLinkID, upd); err != nil {
		m.log.Warn().Err(err).
			Str("cid", event.OrderLinkID).
			Str("status", event.OrderStatus).
			Msg("failed to apply execution update")
	}

	update := bus.OrderUpdate{
		ClientOrderID: event.OrderLinkID,
		OrderID:       event.OrderID,
		Status:        event.OrderStatus,
		AvgPrice:      event.AvgPrice,
		Error:         upd.ErrorMessage,
	}
	if err := m.bus.Publish(ctx, bus.OrderUpdateChannel, update); err != nil {
		m.log.Error().Err(err).Msg("failed to publish execution update")
	}
	m.log.Info().
		Str("cid", event.OrderLinkID).
		Str("status", event.OrderStatus).
		Float64("avg_price", event.AvgPrice).
		Msg("execution update")
}

// fail records the failure, tells the engine, and pages the operator.
func (m *Manager) fail(ctx context.Context, clientOrderID, symbol string, cause error) {
	m.log.Error().Err(cause).Str("cid", clientOrderID).Msg("order failed")
	metrics.OrderFailuresTotal.WithLabelValues(symbol).Inc()

	if err := m.db.UpdateOrder(ctx, clientOrderID, store.OrderUpdate{
		Status:       store.StatusFailed,
		ErrorMessage: cause.Error(),
	}); err != nil {
		m.log.Error().Err(err).Str("cid", clientOrderID).Msg("failed to record order failure")
	}

	update := bus.OrderUpdate{ClientOrderID: clientOrderID, Status: store.StatusFailed, Error: cause.Error()}
	if err := m.bus.Publish(ctx, bus.OrderUpdateChannel, update); err != nil {
		m.log.Error().Err(err).Msg("failed to publish order failure")
	}
	m.notify.Send(fmt.Sprintf("🚨 Order %s failed: %v", clientOrderID, cause))
}

func (m *Manager) placeWithRetry(ctx context.Context, req bybit.OrderRequest) (string, error) {
	var orderID string
	err := m.withRetry(ctx, func() error {
		id, err := m.client.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// withRetry runs op under the exchange retry policy: exponential backoff from
// one second capped at ten, three attempts, request/logic errors not retried.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryInitial
	policy.MaxInterval = m.retryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !bybit.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("retryable exchange error")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}

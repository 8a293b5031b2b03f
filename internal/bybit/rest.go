package bybit

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// ServerTime returns the exchange clock, also used as a connectivity probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := c.get(ctx, "/v5/market/time", nil, false, &result); err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time %q: %w", result.TimeSecond, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// rawKline is the V5 kline array layout:
// [startMs, open, high, low, close, volume, turnover], newest first.
type rawKline []string

// ParseKline converts one V5 kline row into a market candle.
func ParseKline(symbol string, row []string) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("kline row too short: %v", row)
	}
	startMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return market.Candle{}, fmt.Errorf("kline start %q: %w", row[0], err)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return market.Candle{}, fmt.Errorf("kline field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}
	return market.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(startMs).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

// Klines fetches up to limit candles ending before endMs (0 means latest).
// Candles are returned in chronological order together with the start
// timestamp of the oldest row, which becomes the cursor for the next page.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int, endMs int64) ([]market.Candle, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q := url.Values{}
	q.Set("category", CategoryLinear)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if endMs > 0 {
		q.Set("end", strconv.FormatInt(endMs, 10))
	}

	var result struct {
		List []rawKline `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/kline", q, false, &result); err != nil {
		return nil, 0, err
	}
	if len(result.List) == 0 {
		return nil, 0, nil
	}

	// API order is newest first; reverse while parsing.
	candles := make([]market.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		candle, err := ParseKline(symbol, result.List[i])
		if err != nil {
			c.log.Warn().Err(err).Msg("skipping malformed kline row")
			continue
		}
		candles = append(candles, candle)
	}
	if len(candles) == 0 {
		return nil, 0, nil
	}
	oldest := candles[0].Timestamp.UnixMilli()
	return candles, oldest, nil
}

// Ticker carries the subset of ticker fields the engine needs.
type Ticker struct {
	LastPrice   float64
	FundingRate float64
}

// Ticker fetches the latest price and funding rate for a symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("category", CategoryLinear)
	q.Set("symbol", symbol)

	var result struct {
		List []struct {
			LastPrice   string `json:"lastPrice"`
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/tickers", q, false, &result); err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	var t Ticker
	if v, err := strconv.ParseFloat(result.List[0].LastPrice, 64); err == nil {
		t.LastPrice = v
	}
	if v, err := strconv.ParseFloat(result.List[0].FundingRate, 64); err == nil {
		t.FundingRate = v
	}
	return t, nil
}

// WalletBalance returns the available balance for the coin on the
// derivatives account.
func (c *Client) WalletBalance(ctx context.Context, coin string) (float64, error) {
	q := url.Values{}
	q.Set("accountType", "CONTRACT")

	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/account/wallet-balance", q, true, &result); err != nil {
		return 0, err
	}
	for _, acct := range result.List {
		for _, entry := range acct.Coin {
			if entry.Coin == coin {
				v, err := strconv.ParseFloat(entry.AvailableToWithdraw, 64)
				if err != nil {
					return 0, fmt.Errorf("parse balance %q: %w", entry.AvailableToWithdraw, err)
				}
				return v, nil
			}
		}
	}
	return 0, nil
}

// Position describes the open position for a symbol; Size zero means flat.
type Position struct {
	Size        float64
	Side        string // "Buy" or "Sell", empty when flat
	AvgPrice    float64
	PositionIdx int
	StopLoss    float64
	TakeProfit  float64
}

// Position fetches the current position for a symbol.
func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	q := url.Values{}
	q.Set("category", CategoryLinear)
	q.Set("symbol", symbol)

	var result struct {
		List []struct {
			Size        string `json:"size"`
			Side        string `json:"side"`
			AvgPrice    string `json:"avgPrice"`
			PositionIdx int    `json:"positionIdx"`
			StopLoss    string `json:"stopLoss"`
			TakeProfit  string `json:"takeProfit"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/position/list", q, true, &result); err != nil {
		return Position{}, err
	}
	for _, p := range result.List {
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil || size <= 0 {
			continue
		}
		pos := Position{Size: size, Side: p.Side, PositionIdx: p.PositionIdx}
		if v, err := strconv.ParseFloat(p.AvgPrice, 64); err == nil {
			pos.AvgPrice = v
		}
		if v, err := strconv.ParseFloat(p.StopLoss, 64); err == nil {
			pos.StopLoss = v
		}
		if v, err := strconv.ParseFloat(p.TakeProfit, 64); err == nil {
			pos.TakeProfit = v
		}
		return pos, nil
	}
	return Position{}, nil
}

// OrderRequest is a V5 order placement payload.
type OrderRequest struct {
	Symbol        string
	Side          string // "Buy" / "Sell"
	OrderType     string // "Market" / "Limit"
	Qty           float64
	Price         float64 // limit orders only
	ClientOrderID string
	StopLoss      float64
	TakeProfit    float64
	ReduceOnly    bool
}

type placeOrderBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	PositionIdx int    `json:"positionIdx"` // 0: one-way mode
}

// PlaceOrder submits an order and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := placeOrderBody{
		Category:    CategoryLinear,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Qty:         formatFloat(req.Qty),
		OrderLinkID: req.ClientOrderID,
		ReduceOnly:  req.ReduceOnly,
	}
	if req.OrderType == "Limit" && req.Price > 0 {
		body.Price = formatFloat(req.Price)
	}
	if req.StopLoss > 0 {
		body.StopLoss = formatFloat(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		body.TakeProfit = formatFloat(req.TakeProfit)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

type tradingStopBody struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	PositionIdx int    `json:"positionIdx"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
}

// SetTradingStop moves the position stop loss and/or take profit.
// A zero take profit is sent as "0" to clear the level.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopLoss, takeProfit float64) error {
	body := tradingStopBody{
		Category:    CategoryLinear,
		Symbol:      symbol,
		PositionIdx: positionIdx,
		TakeProfit:  formatFloat(takeProfit),
	}
	if stopLoss > 0 {
		body.StopLoss = formatFloat(stopLoss)
	}
	return c.post(ctx, "/v5/position/trading-stop", body, nil)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Package market standardizes candle payloads shared between data ingestion and strategy layers.
package market

import "time"

// Candle models one confirmed kline for the traded symbol.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Signal expresses a trading bias produced by a strategy implementation.
type Signal struct {
	Direction      Direction
	SLBasePrice    float64 // candle extreme the stop loss hangs off
	ATRValue       float64
	ADXValue       float64
	RiskMultiplier float64
	Ts             time.Time
}

// Direction enumerates signal sides.
type Direction string

const (
	// Long biases towards buying.
	Long Direction = "long"
	// Short biases towards selling.
	Short Direction = "short"
)

package market

import "time"

// Series keeps a bounded chronological window of candles for indicator warm-up.
type Series struct {
	maxLen  int
	candles []Candle
}

// NewSeries builds a series that trims itself to maxLen candles.
func NewSeries(maxLen int) *Series {
	if maxLen <= 0 {
		maxLen = 700
	}
	return &Series{maxLen: maxLen, candles: make([]Candle, 0, maxLen)}
}

// Append adds a candle, rejecting stale or duplicate timestamps.
// It reports whether the candle was accepted.
func (s *Series) Append(c Candle) bool {
	if n := len(s.candles); n > 0 && !c.Timestamp.After(s.candles[n-1].Timestamp) {
		return false
	}
	s.candles = append(s.candles, c)
	if len(s.candles) > s.maxLen {
		s.candles = s.candles[len(s.candles)-s.maxLen:]
	}
	return true
}

// Seed replaces the window with a chronological slice of candles.
func (s *Series) Seed(candles []Candle) {
	s.candles = s.candles[:0]
	for _, c := range candles {
		s.Append(c)
	}
}

// Len returns the number of candles held.
func (s *Series) Len() int { return len(s.candles) }

// Candles exposes the underlying chronological window.
func (s *Series) Candles() []Candle { return s.candles }

// Last returns the most recent candle and whether one exists.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LastTime returns the newest candle timestamp, zero when empty.
func (s *Series) LastTime() time.Time {
	if c, ok := s.Last(); ok {
		return c.Timestamp
	}
	return time.Time{}
}

// Closes copies out the close prices in chronological order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Close
	}
	return out
}

// Highs copies out the high prices in chronological order.
func (s *Series) Highs() []float64 {
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.High
	}
	return out
}

// Lows copies out the low prices in chronological order.
func (s *Series) Lows() []float64 {
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Low
	}
	return out
}

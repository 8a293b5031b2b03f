package market

import (
	"testing"
	"time"
)

func candleAt(ts time.Time, close float64) Candle {
	return Candle{Symbol: "BTCUSDT", Timestamp: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestSeriesRejectsStaleAndDuplicate(t *testing.T) {
	s := NewSeries(10)
	now := time.Now().UTC().Truncate(time.Minute)

	if !s.Append(candleAt(now, 100)) {
		t.Fatalf("expected first candle accepted")
	}
	if s.Append(candleAt(now, 101)) {
		t.Fatalf("expected duplicate timestamp rejected")
	}
	if s.Append(candleAt(now.Add(-time.Minute), 99)) {
		t.Fatalf("expected stale timestamp rejected")
	}
	if !s.Append(candleAt(now.Add(time.Minute), 102)) {
		t.Fatalf("expected newer candle accepted")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 candles, got %d", s.Len())
	}
}

func TestSeriesTrimsToMaxLen(t *testing.T) {
	s := NewSeries(3)
	base := time.Now().UTC().Truncate(time.Minute)
	for i := 0; i < 5; i++ {
		s.Append(candleAt(base.Add(time.Duration(i)*time.Minute), float64(100+i)))
	}
	if s.Len() != 3 {
		t.Fatalf("expected trim to 3, got %d", s.Len())
	}
	closes := s.Closes()
	if closes[0] != 102 || closes[2] != 104 {
		t.Fatalf("unexpected window after trim: %v", closes)
	}
	if got := s.LastTime(); !got.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("unexpected last time: %s", got)
	}
}

func TestSeriesSeedKeepsChronology(t *testing.T) {
	s := NewSeries(10)
	base := time.Now().UTC().Truncate(time.Minute)
	s.Seed([]Candle{
		candleAt(base, 1),
		candleAt(base.Add(time.Minute), 2),
		candleAt(base.Add(time.Minute), 2.5), // duplicate dropped
		candleAt(base.Add(2*time.Minute), 3),
	})
	if s.Len() != 3 {
		t.Fatalf("expected 3 candles after seed, got %d", s.Len())
	}
}

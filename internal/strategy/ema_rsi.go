package strategy

import (
	"fmt"
	"math"

	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/indicator"
	"github.com/enggilvano-cmd/Bot-trade/internal/market"
)

// EmaRsi is an EMA crossover strategy with three gates and dynamic risk:
// an EMA-200 regime filter, an RSI momentum gate, an ADX trend filter, and
// an RSI-conviction risk multiplier.
type EmaRsi struct {
	shortPeriod  int
	longPeriod   int
	rsiPeriod    int
	regimePeriod int
	adxPeriod    int
	adxThreshold float64
	atrPeriod    int

	convictionThreshold float64
	highRiskMult        float64
	lowRiskMult         float64
}

// NewEmaRsi validates parameters and constructs the strategy.
func NewEmaRsi(params config.StrategyParams, risk config.RiskParams) (*EmaRsi, error) {
	s := &EmaRsi{
		shortPeriod:         params.ShortEMA,
		longPeriod:          params.LongEMA,
		rsiPeriod:           params.RSIPeriod,
		regimePeriod:        params.RegimeFilterPeriod,
		adxPeriod:           params.ADXPeriod,
		adxThreshold:        params.ADXThreshold,
		atrPeriod:           risk.ATRPeriod,
		convictionThreshold: params.RSIConvictionThreshold,
		highRiskMult:        risk.HighConvictionRiskMult,
		lowRiskMult:         risk.LowConvictionRiskMult,
	}
	if s.shortPeriod <= 0 {
		s.shortPeriod = 9
	}
	if s.longPeriod <= 0 {
		s.longPeriod = 21
	}
	if s.shortPeriod >= s.longPeriod {
		return nil, fmt.Errorf("ema_rsi: short_ema (%d) must be below long_ema (%d)", s.shortPeriod, s.longPeriod)
	}
	if s.rsiPeriod <= 0 {
		s.rsiPeriod = 14
	}
	if s.regimePeriod <= 0 {
		s.regimePeriod = 200
	}
	if s.adxPeriod <= 0 {
		s.adxPeriod = 14
	}
	if s.atrPeriod <= 0 {
		s.atrPeriod = 14
	}
	if s.convictionThreshold <= 0 {
		s.convictionThreshold = 60
	}
	if s.highRiskMult <= 0 {
		s.highRiskMult = 1.0
	}
	if s.lowRiskMult <= 0 {
		s.lowRiskMult = 0.5
	}
	return s, nil
}

// Name returns the configured identifier for logging.
func (s *EmaRsi) Name() string { return "ema_rsi" }

// MinCandles reports the warm-up depth before every indicator is seeded.
func (s *EmaRsi) MinCandles() int {
	maxPeriod := s.regimePeriod
	for _, p := range []int{s.shortPeriod, s.longPeriod, s.rsiPeriod, 2 * s.adxPeriod, s.atrPeriod} {
		if p > maxPeriod {
			maxPeriod = p
		}
	}
	return maxPeriod + 50
}

// Snapshot computes the latest indicator values over the window.
func (s *EmaRsi) Snapshot(series *market.Series) (Snapshot, bool) {
	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()

	snap := Snapshot{
		FastEMA:   indicator.Last(indicator.EMA(closes, s.shortPeriod)),
		SlowEMA:   indicator.Last(indicator.EMA(closes, s.longPeriod)),
		RSI:       indicator.Last(indicator.RSI(closes, s.rsiPeriod)),
		RegimeEMA: indicator.Last(indicator.EMA(closes, s.regimePeriod)),
		ATR:       indicator.Last(indicator.ATR(highs, lows, closes, s.atrPeriod)),
		ADX:       indicator.Last(indicator.ADX(highs, lows, closes, s.adxPeriod)),
	}
	ready := !math.IsNaN(snap.FastEMA) && !math.IsNaN(snap.SlowEMA) &&
		!math.IsNaN(snap.RSI) && !math.IsNaN(snap.RegimeEMA) && !math.IsNaN(snap.ATR)
	if s.adxThreshold > 0 {
		ready = ready && !math.IsNaN(snap.ADX)
	}
	return snap, ready
}

// OnCandle evaluates the crossover plus filters against the last two candles.
func (s *EmaRsi) OnCandle(series *market.Series) *market.Signal {
	if series.Len() < 3 {
		return nil
	}
	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()

	fast := indicator.EMA(closes, s.shortPeriod)
	slow := indicator.EMA(closes, s.longPeriod)
	rsi := indicator.RSI(closes, s.rsiPeriod)
	regime := indicator.EMA(closes, s.regimePeriod)
	atr := indicator.ATR(highs, lows, closes, s.atrPeriod)
	adx := indicator.ADX(highs, lows, closes, s.adxPeriod)

	n := len(closes)
	lastFast, prevFast := fast[n-1], fast[n-2]
	lastSlow, prevSlow := slow[n-1], slow[n-2]
	lastRSI := rsi[n-1]
	lastRegime := regime[n-1]
	lastATR := atr[n-1]
	lastADX := adx[n-1]

	for _, v := range []float64{lastFast, prevFast, lastSlow, prevSlow, lastRSI, lastRegime, lastATR} {
		if math.IsNaN(v) {
			return nil
		}
	}
	trending := true
	if s.adxThreshold > 0 {
		if math.IsNaN(lastADX) {
			return nil
		}
		trending = lastADX > s.adxThreshold
	}

	last := series.Candles()[n-1]
	uptrendRegime := last.Close > lastRegime
	downtrendRegime := last.Close < lastRegime

	crossUp := lastFast > lastSlow && prevFast <= prevSlow
	crossDown := lastFast < lastSlow && prevFast >= prevSlow

	if crossUp && lastRSI > 50 && uptrendRegime && trending {
		mult := s.lowRiskMult
		if lastRSI > s.convictionThreshold {
			mult = s.highRiskMult
		}
		return &market.Signal{
			Direction:      market.Long,
			SLBasePrice:    last.Low,
			ATRValue:       lastATR,
			ADXValue:       lastADX,
			RiskMultiplier: mult,
			Ts:             last.Timestamp,
		}
	}

	if crossDown && lastRSI < 50 && downtrendRegime && trending {
		mult := s.lowRiskMult
		if lastRSI < 100-s.convictionThreshold {
			mult = s.highRiskMult
		}
		return &market.Signal{
			Direction:      market.Short,
			SLBasePrice:    last.High,
			ATRValue:       lastATR,
			ADXValue:       lastADX,
			RiskMultiplier: mult,
			Ts:             last.Timestamp,
		}
	}

	return nil
}

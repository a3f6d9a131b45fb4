// Package indicator provides the small set of technical calculations the
// strategy drivers share.
package indicator

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// Closes extracts the close series from candles.
func Closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// EMA returns the exponential moving average series for the closes of the
// given candles. The first period-1 values are warm-up and should be ignored.
func EMA(candles []domain.Candle, period int) ([]float64, error) {
	if len(candles) < period {
		return nil, fmt.Errorf("indicator: ema(%d) needs %d candles, have %d", period, period, len(candles))
	}
	return talib.Ema(Closes(candles), period), nil
}

// LastEMA returns the most recent EMA value.
func LastEMA(candles []domain.Candle, period int) (float64, error) {
	series, err := EMA(candles, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// RSI returns the most recent relative strength index value.
func RSI(candles []domain.Candle, period int) (float64, error) {
	if len(candles) <= period {
		return 0, fmt.Errorf("indicator: rsi(%d) needs %d candles, have %d", period, period+1, len(candles))
	}
	series := talib.Rsi(Closes(candles), period)
	return series[len(series)-1], nil
}

// VWAP returns the volume-weighted average price over the candles, using the
// typical price (H+L+C)/3 per bar. Zero-volume series fall back to the mean
// typical price.
func VWAP(candles []domain.Candle) (float64, error) {
	if len(candles) == 0 {
		return 0, fmt.Errorf("indicator: vwap needs at least one candle")
	}
	var pv, vol, tpSum float64
	for _, c := range candles {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
		tpSum += tp
	}
	if vol == 0 {
		return tpSum / float64(len(candles)), nil
	}
	return pv / vol, nil
}

// Range is a high/low pair, used for opening-range and inside-bar logic.
type Range struct {
	High float64
	Low  float64
}

// OpeningRange returns the high and low across the first n candles.
func OpeningRange(candles []domain.Candle, n int) (Range, error) {
	if len(candles) < n || n <= 0 {
		return Range{}, fmt.Errorf("indicator: opening range needs %d candles, have %d", n, len(candles))
	}
	r := Range{High: candles[0].High, Low: candles[0].Low}
	for _, c := range candles[1:n] {
		if c.High > r.High {
			r.High = c.High
		}
		if c.Low < r.Low {
			r.Low = c.Low
		}
	}
	return r, nil
}

// IsInsideBar reports whether bar sits entirely within mother's range.
func IsInsideBar(mother, bar domain.Candle) bool {
	return bar.High <= mother.High && bar.Low >= mother.Low
}

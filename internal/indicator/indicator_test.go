package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeck/optionsbot/internal/domain"
)

func flatCandles(n int, price, volume float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{Open: price, High: price, Low: price, Close: price, Volume: volume}
	}
	return out
}

func TestCloses(t *testing.T) {
	candles := []domain.Candle{{Close: 100}, {Close: 101.5}, {Close: 99}}
	assert.Equal(t, []float64{100, 101.5, 99}, Closes(candles))
}

func TestEMATooFewCandles(t *testing.T) {
	_, err := EMA(flatCandles(4, 100, 0), 5)
	assert.Error(t, err)

	_, err = LastEMA(flatCandles(4, 100, 0), 5)
	assert.Error(t, err)
}

func TestLastEMAFlatSeries(t *testing.T) {
	// A constant series converges to itself regardless of period.
	v, err := LastEMA(flatCandles(30, 250, 0), 9)
	require.NoError(t, err)
	assert.InDelta(t, 250, v, 1e-9)
}

func TestLastEMAFollowsTrend(t *testing.T) {
	candles := make([]domain.Candle, 30)
	for i := range candles {
		candles[i] = domain.Candle{Close: 100 + float64(i)}
	}
	fast, err := LastEMA(candles, 5)
	require.NoError(t, err)
	slow, err := LastEMA(candles, 20)
	require.NoError(t, err)
	assert.Greater(t, fast, slow, "fast EMA hugs a rising tape")
	assert.Less(t, fast, candles[len(candles)-1].Close)
}

func TestRSI(t *testing.T) {
	_, err := RSI(flatCandles(14, 100, 0), 14)
	assert.Error(t, err, "needs period+1 candles")

	up := make([]domain.Candle, 20)
	for i := range up {
		up[i] = domain.Candle{Close: 100 + float64(i)}
	}
	v, err := RSI(up, 14)
	require.NoError(t, err)
	assert.InDelta(t, 100, v, 1e-6, "all gains pins RSI at the top")

	down := make([]domain.Candle, 20)
	for i := range down {
		down[i] = domain.Candle{Close: 120 - float64(i)}
	}
	v, err = RSI(down, 14)
	require.NoError(t, err)
	assert.InDelta(t, 0, v, 1e-6)
}

func TestVWAP(t *testing.T) {
	_, err := VWAP(nil)
	assert.Error(t, err)

	candles := []domain.Candle{
		{High: 102, Low: 98, Close: 100, Volume: 100},
		{High: 112, Low: 108, Close: 110, Volume: 300},
	}
	v, err := VWAP(candles)
	require.NoError(t, err)
	assert.InDelta(t, (100*100+110*300)/400.0, v, 1e-9)
}

func TestVWAPZeroVolumeFallsBackToMean(t *testing.T) {
	candles := []domain.Candle{
		{High: 102, Low: 98, Close: 100, Volume: 0},
		{High: 112, Low: 108, Close: 110, Volume: 0},
	}
	v, err := VWAP(candles)
	require.NoError(t, err)
	assert.InDelta(t, 105, v, 1e-9)
}

func TestOpeningRange(t *testing.T) {
	candles := []domain.Candle{
		{High: 104, Low: 96},
		{High: 105, Low: 97},
		{High: 103, Low: 95},
		{High: 120, Low: 80}, // outside the window
	}
	r, err := OpeningRange(candles, 3)
	require.NoError(t, err)
	assert.Equal(t, Range{High: 105, Low: 95}, r)

	_, err = OpeningRange(candles[:2], 3)
	assert.Error(t, err)
	_, err = OpeningRange(candles, 0)
	assert.Error(t, err)
}

func TestIsInsideBar(t *testing.T) {
	mother := domain.Candle{High: 110, Low: 90}
	assert.True(t, IsInsideBar(mother, domain.Candle{High: 105, Low: 95}))
	assert.True(t, IsInsideBar(mother, domain.Candle{High: 110, Low: 90}), "touching both bounds still counts")
	assert.False(t, IsInsideBar(mother, domain.Candle{High: 111, Low: 95}))
	assert.False(t, IsInsideBar(mother, domain.Candle{High: 105, Low: 89}))
}

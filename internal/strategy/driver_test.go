package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/domain"
)

const spotToken = "99926000"

func testFeed(broker *sim.Broker) *Feed {
	return NewFeed(broker, "NSE", spotToken, 9, 15)
}

// sessionTime returns a weekday mid-session clock reading.
func sessionTime() time.Time {
	return time.Date(2025, time.September, 30, 11, 0, 0, 0, time.Local)
}

// rampCandles builds n candles whose closes move linearly from start by step,
// with a small symmetric high/low band and constant volume.
func rampCandles(n int, start, step float64) []domain.Candle {
	base := time.Date(2025, time.September, 30, 9, 15, 0, 0, time.Local)
	out := make([]domain.Candle, n)
	for i := range out {
		close := start + float64(i)*step
		out[i] = domain.Candle{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      close - step,
			High:      close + 2,
			Low:       close - 2,
			Close:     close,
			Volume:    1000,
		}
	}
	return out
}

func TestMomentumClassification(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	driver := NewMomentum(testFeed(broker))

	broker.SetCandles(spotToken, rampCandles(30, 100, 1))
	trend, analysis, err := driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendBullish, trend)
	assert.Greater(t, analysis["ema_fast"], analysis["ema_slow"])

	broker.SetCandles(spotToken, rampCandles(30, 130, -1))
	trend, _, err = driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendBearish, trend)

	broker.SetCandles(spotToken, rampCandles(30, 100, 0))
	trend, _, err = driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendNeutral, trend, "flat tape gives no edge")
}

func TestMomentumNeedsData(t *testing.T) {
	broker := sim.New(0)
	driver := NewMomentum(testFeed(broker))

	_, _, err := driver.Evaluate(context.Background(), sessionTime())
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestVWAPConfluence(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	driver := NewVWAPConfluence(testFeed(broker))

	broker.SetCandles(spotToken, rampCandles(25, 100, 1))
	trend, analysis, err := driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendBullish, trend)
	assert.Greater(t, analysis["close"], analysis["vwap"])

	broker.SetCandles(spotToken, rampCandles(25, 130, -1))
	trend, _, err = driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendBearish, trend)
}

func TestVWAPConfluenceEarlySessionIsNeutral(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	driver := NewVWAPConfluence(testFeed(broker))

	// Too few bars for the EMA: no signal rather than an error.
	broker.SetCandles(spotToken, rampCandles(5, 100, 1))
	trend, _, err := driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendNeutral, trend)
}

func orbCandles(lastClose float64) []domain.Candle {
	base := time.Date(2025, time.September, 30, 9, 15, 0, 0, time.Local)
	mk := func(i int, o, h, l, c float64) domain.Candle {
		return domain.Candle{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      o, High: h, Low: l, Close: c, Volume: 1000,
		}
	}
	return []domain.Candle{
		mk(0, 100, 104, 96, 101),
		mk(1, 101, 105, 97, 99),
		mk(2, 99, 103, 95, 100),
		mk(3, 100, lastClose+1, lastClose-1, lastClose),
	}
}

func TestOpeningRangeBreakout(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		lastClose float64
		want      domain.Trend
	}{
		{"breakout above", 110, domain.TrendBullish},
		{"breakdown below", 90, domain.TrendBearish},
		{"inside the range", 100, domain.TrendNeutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broker := sim.New(0)
			broker.SetCandles(spotToken, orbCandles(tc.lastClose))
			driver := NewOpeningRangeBreakout(testFeed(broker))

			trend, analysis, err := driver.Evaluate(ctx, sessionTime())
			require.NoError(t, err)
			assert.Equal(t, tc.want, trend)
			assert.Equal(t, 105.0, analysis["range_high"])
			assert.Equal(t, 95.0, analysis["range_low"])
		})
	}
}

func TestOpeningRangeStillForming(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	broker.SetCandles(spotToken, orbCandles(100)[:3])
	driver := NewOpeningRangeBreakout(testFeed(broker))

	trend, _, err := driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendNeutral, trend)
}

func insideBarCandles(lastClose float64, inside bool) []domain.Candle {
	base := time.Date(2025, time.September, 30, 9, 15, 0, 0, time.Local)
	mk := func(i int, h, l, c float64) domain.Candle {
		return domain.Candle{
			Timestamp: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c, High: h, Low: l, Close: c, Volume: 1000,
		}
	}
	insideHigh, insideLow := 105.0, 95.0
	if !inside {
		insideHigh = 115
	}
	return []domain.Candle{
		mk(0, 108, 92, 100),
		mk(1, 110, 90, 100), // mother
		mk(2, insideHigh, insideLow, 100),
		mk(3, lastClose+1, lastClose-1, lastClose),
	}
}

func TestInsideBarBreakout(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		lastClose float64
		inside    bool
		want      domain.Trend
	}{
		{"breakout above mother high", 112, true, domain.TrendBullish},
		{"breakdown below mother low", 88, true, domain.TrendBearish},
		{"no breakout", 100, true, domain.TrendNeutral},
		{"no inside bar", 112, false, domain.TrendNeutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broker := sim.New(0)
			broker.SetCandles(spotToken, insideBarCandles(tc.lastClose, tc.inside))
			driver := NewInsideBar(testFeed(broker))

			trend, _, err := driver.Evaluate(ctx, sessionTime())
			require.NoError(t, err)
			assert.Equal(t, tc.want, trend)
		})
	}
}

func TestOpenHighLow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, time.September, 30, 9, 15, 0, 0, time.Local)

	cases := []struct {
		name  string
		first domain.Candle
		want  domain.Trend
	}{
		{
			"open equals low",
			domain.Candle{Timestamp: base, Open: 100, High: 108, Low: 99.5, Close: 106},
			domain.TrendBullish,
		},
		{
			"open equals high",
			domain.Candle{Timestamp: base, Open: 100, High: 100.5, Low: 92, Close: 94},
			domain.TrendBearish,
		},
		{
			"open mid-range",
			domain.Candle{Timestamp: base, Open: 100, High: 108, Low: 92, Close: 101},
			domain.TrendNeutral,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			broker := sim.New(0)
			broker.SetCandles(spotToken, []domain.Candle{tc.first})
			driver := NewOpenHighLow(testFeed(broker))

			trend, _, err := driver.Evaluate(ctx, sessionTime())
			require.NoError(t, err)
			assert.Equal(t, tc.want, trend)
		})
	}
}

func TestStraddlePlan(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	broker.SetPrice(spotToken, 24012)
	broker.SetPrice("SIM24000CE", 120)
	broker.SetPrice("SIM24000PE", 110)

	planner := NewStraddlePlanner(testFeed(broker), sim.Resolver{},
		"NIFTY", "Nifty 50", "NFO", 50, 0.10, 0.20)

	plan, err := planner.Plan(ctx, "30SEP25")
	require.NoError(t, err)
	assert.Equal(t, 24000, plan.Strike)
	assert.Equal(t, domain.LegCE, plan.CE.Contract.Leg)
	assert.Equal(t, domain.LegPE, plan.PE.Contract.Leg)
	assert.Equal(t, 120.0, plan.CE.Quote)
	assert.Equal(t, 110.0, plan.PE.Quote)
	assert.InDelta(t, (120+110)*65.0, plan.EstimatedCost(65), 1e-9)
}

func TestStraddleDriverIsNeutral(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	broker.SetPrice(spotToken, 24012)

	planner := NewStraddlePlanner(testFeed(broker), sim.Resolver{},
		"NIFTY", "Nifty 50", "NFO", 50, 0.10, 0.20)
	driver := NewStraddle(planner)

	trend, analysis, err := driver.Evaluate(ctx, sessionTime())
	require.NoError(t, err)
	assert.Equal(t, domain.TrendNeutral, trend)
	assert.Equal(t, 24000.0, analysis["atm_strike"])
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	broker := sim.New(0)
	reg.Register(NewMomentum(testFeed(broker)))
	reg.Register(NewOpenHighLow(testFeed(broker)))

	d, err := reg.Get("momentum")
	require.NoError(t, err)
	assert.Equal(t, "momentum", d.Name())

	_, err = reg.Get("nope")
	assert.Error(t, err)

	assert.Equal(t, []string{"momentum", "ohl"}, reg.Names())

	assert.Panics(t, func() { reg.Register(NewMomentum(testFeed(broker))) })
}

package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
)

const vixToken = "99926017"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		SessionStart:   config.TimeOfDay{Hour: 9, Minute: 15},
		SessionEnd:     config.TimeOfDay{Hour: 15, Minute: 29},
		BlackoutStart:  config.TimeOfDay{Hour: 12, Minute: 0},
		BlackoutEnd:    config.TimeOfDay{Hour: 13, Minute: 0},
		MarginBuffer:   0.10,
		MarginCacheTTL: time.Nanosecond, // effectively disable the cache
		MaxDailyLoss:   -2000,
		VIXThreshold:   15,
		VIXExchange:    "NSE",
		VIXSymbol:      "India VIX",
		VIXToken:       vixToken,
		LotSize:        65,
		SentimentVeto:  0.5,
		VIXFailOpen:    true,
	}
}

type stubSentiment struct {
	score float64
	err   error
}

func (s stubSentiment) Score(context.Context) (float64, error) { return s.score, s.err }

func at(hour, minute int) time.Time {
	return time.Date(2025, time.September, 30, hour, minute, 0, 0, time.Local)
}

func TestMarketHours(t *testing.T) {
	g := New(sim.New(0), nil, testOptions(), testLogger())

	open, _ := g.IsMarketOpen(at(9, 0))
	assert.False(t, open)
	open, _ = g.IsMarketOpen(at(9, 15))
	assert.True(t, open)
	open, _ = g.IsMarketOpen(at(14, 30))
	assert.True(t, open)
	open, _ = g.IsMarketOpen(at(15, 30))
	assert.False(t, open)
}

func TestBlackoutWindow(t *testing.T) {
	g := New(sim.New(0), nil, testOptions(), testLogger())

	blocked, _ := g.IsBlackoutPeriod(at(11, 59))
	assert.False(t, blocked)
	blocked, _ = g.IsBlackoutPeriod(at(12, 0))
	assert.True(t, blocked)
	blocked, _ = g.IsBlackoutPeriod(at(12, 30))
	assert.True(t, blocked)
	blocked, _ = g.IsBlackoutPeriod(at(13, 0))
	assert.False(t, blocked, "blackout end is exclusive")
}

func TestCheckFundsAppliesBuffer(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(5400)
	g := New(broker, nil, testOptions(), testLogger())

	// 5000 * 1.10 = 5500 > 5400 available.
	ok, _ := g.CheckFunds(ctx, 5000)
	assert.False(t, ok)

	broker.SetMargin(5600)
	ok, _ = g.CheckFunds(ctx, 5000)
	assert.True(t, ok)
}

func TestMarginCacheServesStaleValue(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(10000)
	opts := testOptions()
	opts.MarginCacheTTL = time.Hour
	g := New(broker, nil, opts, testLogger())

	ok, _ := g.CheckFunds(ctx, 5000)
	assert.True(t, ok)

	// The margin drops at the broker, but the cached reading still serves.
	broker.SetMargin(0)
	ok, _ = g.CheckFunds(ctx, 5000)
	assert.True(t, ok, "cached margin within TTL is reused")
}

func TestCheckMaxDailyLoss(t *testing.T) {
	g := New(sim.New(0), nil, testOptions(), testLogger())

	ok, _ := g.CheckMaxDailyLoss(-1999)
	assert.True(t, ok)
	ok, _ = g.CheckMaxDailyLoss(-2000)
	assert.False(t, ok, "floor itself trips the circuit")
	ok, _ = g.CheckMaxDailyLoss(-2100)
	assert.False(t, ok)
	ok, _ = g.CheckMaxDailyLoss(500)
	assert.True(t, ok)
}

func TestRealizedPnLAccumulates(t *testing.T) {
	g := New(sim.New(0), nil, testOptions(), testLogger())
	g.AddRealizedPnL(-800)
	g.AddRealizedPnL(-700)
	assert.InDelta(t, -1500, g.RealizedPnL(), 1e-9)

	ok, _ := g.CheckMaxDailyLoss(g.RealizedPnL() + (-600))
	assert.False(t, ok)
}

func TestVIXMultiplier(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	g := New(broker, nil, testOptions(), testLogger())

	broker.SetPrice(vixToken, 12)
	assert.Equal(t, 1.0, g.VIXMultiplier(ctx))

	broker.SetPrice(vixToken, 22)
	assert.Equal(t, 0.5, g.VIXMultiplier(ctx), "elevated volatility halves size")
}

func TestVIXFailureModes(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	broker.FailQuotes(vixToken, errors.New("feed down"))

	g := New(broker, nil, testOptions(), testLogger())
	assert.Equal(t, 1.0, g.VIXMultiplier(ctx), "VIX sizing fails open")

	opts := testOptions()
	opts.VIXFailOpen = false
	g = New(broker, nil, opts, testLogger())
	assert.Equal(t, 0.5, g.VIXMultiplier(ctx), "configured fail-closed halves size")
}

func TestSizedQuantity(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	g := New(broker, nil, testOptions(), testLogger())

	broker.SetPrice(vixToken, 12)
	assert.Equal(t, 65, g.SizedQuantity(ctx))

	// A fractional multiplier never sizes below one lot.
	broker.SetPrice(vixToken, 22)
	assert.Equal(t, 65, g.SizedQuantity(ctx))
}

func TestCheckNoOpenOrders(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(0)
	g := New(broker, nil, testOptions(), testLogger())

	ok, _ := g.CheckNoOpenOrders(ctx, "NIFTY30SEP2524000CE")
	assert.True(t, ok)

	// A resting stop-loss order stays open on the simulated book.
	broker.SetPrice("SIM24000CE", 100)
	_, err := broker.PlaceOrder(ctx, domain.OrderParams{
		Symbol:       "NIFTY30SEP2524000CE",
		Token:        "SIM24000CE",
		Side:         domain.SideSell,
		Qty:          65,
		Type:         domain.OrderTypeStopLossLimit,
		Price:        89.55,
		TriggerPrice: 90,
	})
	assert.NoError(t, err)

	ok, _ = g.CheckNoOpenOrders(ctx, "NIFTY30SEP2524000CE")
	assert.False(t, ok)
}

func TestSentimentVeto(t *testing.T) {
	ctx := context.Background()

	g := New(sim.New(0), stubSentiment{score: -0.6}, testOptions(), testLogger())
	ok, _ := g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.False(t, ok, "strongly negative sentiment vetoes longs")
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBearish)
	assert.True(t, ok)

	g = New(sim.New(0), stubSentiment{score: 0.6}, testOptions(), testLogger())
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBearish)
	assert.False(t, ok, "strongly positive sentiment vetoes shorts")
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.True(t, ok)

	g = New(sim.New(0), stubSentiment{score: 0.3}, testOptions(), testLogger())
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.True(t, ok, "mild sentiment passes both directions")
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBearish)
	assert.True(t, ok)
}

func TestSentimentFailureModes(t *testing.T) {
	ctx := context.Background()
	src := stubSentiment{err: errors.New("feeds unreachable")}

	opts := testOptions()
	opts.SentimentFailOpen = true
	g := New(sim.New(0), src, opts, testLogger())
	ok, _ := g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.True(t, ok, "sentiment outage fails open")

	opts.SentimentFailOpen = false
	g = New(sim.New(0), src, opts, testLogger())
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.False(t, ok)

	g = New(sim.New(0), nil, testOptions(), testLogger())
	ok, _ = g.CheckSentimentRisk(ctx, domain.TrendBullish)
	assert.True(t, ok, "no source configured means no veto")
}

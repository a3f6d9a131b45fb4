package strategy

import (
	"context"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/indicator"
)

// Momentum classifies trend from an EMA crossover on 5-minute candles:
// BULLISH when the fast EMA sits above the slow one and the last close
// confirms, BEARISH in the mirror case, NEUTRAL otherwise.
type Momentum struct {
	feed       *Feed
	fast, slow int
}

// NewMomentum creates the driver with the standard 9/21 EMA pair.
func NewMomentum(feed *Feed) *Momentum {
	return &Momentum{feed: feed, fast: 9, slow: 21}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	// 5-minute bars over the last ~4 hours give the slow EMA enough warm-up.
	candles, err := m.feed.Recent(ctx, now, domain.IntervalFiveMinute, 4*time.Hour)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}

	fast, err := indicator.LastEMA(candles, m.fast)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	slow, err := indicator.LastEMA(candles, m.slow)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	last := candles[len(candles)-1].Close

	analysis := domain.Analysis{
		"ema_fast": fast,
		"ema_slow": slow,
		"close":    last,
	}

	switch {
	case fast > slow && last > fast:
		return domain.TrendBullish, analysis, nil
	case fast < slow && last < fast:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

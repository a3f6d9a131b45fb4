package strategy

import (
	"context"
	"math"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// OpenHighLow reads the day's first 1-minute candle: open equal to the low
// (within a one-point buffer) marks buyers in control from the bell and is
// BULLISH; open equal to the high is BEARISH. Only meaningful in the first
// minutes of the session.
type OpenHighLow struct {
	feed   *Feed
	buffer float64
}

func NewOpenHighLow(feed *Feed) *OpenHighLow {
	return &OpenHighLow{feed: feed, buffer: 1.0}
}

func (o *OpenHighLow) Name() string { return "ohl" }

func (o *OpenHighLow) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	candles, err := o.feed.Session(ctx, now, domain.IntervalOneMinute)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}

	first := candles[0]
	analysis := domain.Analysis{
		"open": first.Open,
		"high": first.High,
		"low":  first.Low,
	}

	switch {
	case math.Abs(first.Open-first.Low) <= o.buffer:
		return domain.TrendBullish, analysis, nil
	case math.Abs(first.Open-first.High) <= o.buffer:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

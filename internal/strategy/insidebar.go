package strategy

import (
	"context"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/indicator"
)

// InsideBar looks for a 15-minute bar fully contained in its predecessor (the
// mother bar) followed by a breakout of the mother's range: a close above the
// mother high is BULLISH, below the mother low BEARISH.
type InsideBar struct {
	feed *Feed
}

func NewInsideBar(feed *Feed) *InsideBar {
	return &InsideBar{feed: feed}
}

func (i *InsideBar) Name() string { return "inside_bar" }

func (i *InsideBar) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	candles, err := i.feed.Session(ctx, now, domain.IntervalFifteenMinute)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	if len(candles) < 3 {
		return domain.TrendNeutral, domain.Analysis{"bars": float64(len(candles))}, nil
	}

	// Pattern layout: ... mother, inside, breakout(last).
	mother := candles[len(candles)-3]
	inside := candles[len(candles)-2]
	last := candles[len(candles)-1]

	analysis := domain.Analysis{
		"mother_high": mother.High,
		"mother_low":  mother.Low,
		"close":       last.Close,
	}

	if !indicator.IsInsideBar(mother, inside) {
		return domain.TrendNeutral, analysis, nil
	}

	switch {
	case last.Close > mother.High:
		return domain.TrendBullish, analysis, nil
	case last.Close < mother.Low:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

package strategy

import (
	"context"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/indicator"
)

// VWAPConfluence requires price, session VWAP, and a 20-period EMA to agree:
// BULLISH when the close is above both, BEARISH when below both, NEUTRAL when
// trapped between them.
type VWAPConfluence struct {
	feed      *Feed
	emaPeriod int
}

func NewVWAPConfluence(feed *Feed) *VWAPConfluence {
	return &VWAPConfluence{feed: feed, emaPeriod: 20}
}

func (v *VWAPConfluence) Name() string { return "vwap_confluence" }

func (v *VWAPConfluence) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	candles, err := v.feed.Session(ctx, now, domain.IntervalFiveMinute)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}

	vwap, err := indicator.VWAP(candles)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	ema, err := indicator.LastEMA(candles, v.emaPeriod)
	if err != nil {
		// Early in the session there are not enough bars for the EMA; treat
		// as no signal rather than an error.
		ema = 0
	}
	last := candles[len(candles)-1].Close

	analysis := domain.Analysis{
		"vwap":  vwap,
		"ema":   ema,
		"close": last,
	}

	switch {
	case ema > 0 && last > vwap && last > ema:
		return domain.TrendBullish, analysis, nil
	case ema > 0 && last < vwap && last < ema:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

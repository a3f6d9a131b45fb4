package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/indicator"
)

// OpeningRangeBreakout locks in the 09:15-09:30 high/low once and signals
// BULLISH on a close above the range high, BEARISH below the range low.
// The captured range is held for the rest of the day.
type OpeningRangeBreakout struct {
	feed   *Feed
	rangeN int // number of 5-minute bars forming the range

	mu      sync.Mutex
	day     int // year-day the cached range belongs to
	rng     indicator.Range
	haveRng bool
}

func NewOpeningRangeBreakout(feed *Feed) *OpeningRangeBreakout {
	return &OpeningRangeBreakout{feed: feed, rangeN: 3}
}

func (o *OpeningRangeBreakout) Name() string { return "orb" }

func (o *OpeningRangeBreakout) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	candles, err := o.feed.Session(ctx, now, domain.IntervalFiveMinute)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}

	rng, ok, err := o.openingRange(candles, now)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	if !ok {
		// Still inside the formation window.
		return domain.TrendNeutral, domain.Analysis{"bars": float64(len(candles))}, nil
	}

	last := candles[len(candles)-1].Close
	analysis := domain.Analysis{
		"range_high": rng.High,
		"range_low":  rng.Low,
		"close":      last,
	}

	switch {
	case last > rng.High:
		return domain.TrendBullish, analysis, nil
	case last < rng.Low:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

// openingRange returns the cached range for today, computing it once enough
// bars exist. ok is false while the range is still forming.
func (o *OpeningRangeBreakout) openingRange(candles []domain.Candle, now time.Time) (indicator.Range, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.haveRng && o.day == now.YearDay() {
		return o.rng, true, nil
	}
	if len(candles) <= o.rangeN {
		return indicator.Range{}, false, nil
	}
	rng, err := indicator.OpeningRange(candles, o.rangeN)
	if err != nil {
		return indicator.Range{}, false, err
	}
	o.rng = rng
	o.day = now.YearDay()
	o.haveRng = true
	return rng, true, nil
}

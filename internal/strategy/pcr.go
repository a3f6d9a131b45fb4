package strategy

import (
	"context"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// TrendAnalyzer classifies trend from the option chain around a spot price.
type TrendAnalyzer interface {
	Analyze(ctx context.Context, spot float64, expiry string, now time.Time) (domain.Trend, domain.Analysis, error)
}

type expirySource interface {
	NearestExpiry(ctx context.Context, underlying string) (string, error)
}

// PutCallRatio adapts an option-chain trend analyzer to the Driver interface.
// The spot price and nearest expiry are resolved per evaluation.
type PutCallRatio struct {
	feed       *Feed
	analyzer   TrendAnalyzer
	expiries   expirySource
	underlying string
	spotSymbol string
}

// NewPutCallRatio creates a PutCallRatio driver.
func NewPutCallRatio(feed *Feed, analyzer TrendAnalyzer, expiries expirySource, underlying, spotSymbol string) *PutCallRatio {
	return &PutCallRatio{
		feed:       feed,
		analyzer:   analyzer,
		expiries:   expiries,
		underlying: underlying,
		spotSymbol: spotSymbol,
	}
}

func (p *PutCallRatio) Name() string { return "pcr" }

func (p *PutCallRatio) Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error) {
	spot, err := p.feed.Spot(ctx, p.spotSymbol)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	expiry, err := p.expiries.NearestExpiry(ctx, p.underlying)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	return p.analyzer.Analyze(ctx, spot, expiry, now)
}

var _ Driver = (*PutCallRatio)(nil)

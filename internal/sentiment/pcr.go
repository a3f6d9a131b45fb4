package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// PCRAnalyzer computes the put-call open-interest ratio across a band of
// strikes around ATM. A ratio above the bullish threshold means heavy put
// writing (support below), below the bearish threshold heavy call writing.
type PCRAnalyzer struct {
	broker     domain.Broker
	resolver   domain.ContractResolver
	underlying string
	exchange   string
	strikeStep int
	band       int // strikes on each side of ATM
	bullAbove  float64
	bearBelow  float64
	logger     *slog.Logger
}

// NewPCRAnalyzer creates an analyzer with the standard 1.2/0.8 thresholds
// over ATM ± 2 strikes.
func NewPCRAnalyzer(broker domain.Broker, resolver domain.ContractResolver,
	underlying, exchange string, strikeStep int, logger *slog.Logger) *PCRAnalyzer {
	return &PCRAnalyzer{
		broker:     broker,
		resolver:   resolver,
		underlying: underlying,
		exchange:   exchange,
		strikeStep: strikeStep,
		band:       2,
		bullAbove:  1.2,
		bearBelow:  0.8,
		logger:     logger.With(slog.String("component", "pcr")),
	}
}

// Analyze computes the PCR around the given spot price for the expiry and
// classifies it. Strikes whose open interest cannot be fetched are skipped;
// if nothing can be fetched at all an error is returned.
func (p *PCRAnalyzer) Analyze(ctx context.Context, spot float64, expiry string, now time.Time) (domain.Trend, domain.Analysis, error) {
	atm := domain.ATMStrike(spot, p.strikeStep)

	var ceOI, peOI float64
	var sampled int
	for offset := -p.band; offset <= p.band; offset++ {
		strike := atm + offset*p.strikeStep
		ce, errCE := p.openInterest(ctx, expiry, strike, domain.LegCE, now)
		pe, errPE := p.openInterest(ctx, expiry, strike, domain.LegPE, now)
		if errCE != nil || errPE != nil {
			continue
		}
		ceOI += ce
		peOI += pe
		sampled++
	}
	if sampled == 0 || ceOI == 0 {
		return domain.TrendNeutral, nil, fmt.Errorf("sentiment: pcr: %w", domain.ErrDataUnavailable)
	}

	pcr := peOI / ceOI
	analysis := domain.Analysis{
		"pcr":        pcr,
		"ce_oi":      ceOI,
		"pe_oi":      peOI,
		"atm_strike": float64(atm),
	}

	switch {
	case pcr > p.bullAbove:
		return domain.TrendBullish, analysis, nil
	case pcr < p.bearBelow:
		return domain.TrendBearish, analysis, nil
	default:
		return domain.TrendNeutral, analysis, nil
	}
}

// openInterest reads the latest open interest for one contract from its most
// recent 5-minute candle.
func (p *PCRAnalyzer) openInterest(ctx context.Context, expiry string, strike int, leg domain.Leg, now time.Time) (float64, error) {
	contract, err := p.resolver.Resolve(ctx, p.underlying, expiry, strike, leg)
	if err != nil {
		return 0, err
	}
	candles, err := p.broker.Candles(ctx, domain.CandleRequest{
		Exchange: p.exchange,
		Token:    contract.Token,
		Interval: domain.IntervalFiveMinute,
		From:     now.Add(-30 * time.Minute),
		To:       now,
	})
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, domain.ErrDataUnavailable
	}
	return candles[len(candles)-1].OpenInterest, nil
}

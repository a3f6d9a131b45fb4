package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// StraddleLeg is one leg of a planned straddle entry.
type StraddleLeg struct {
	Contract domain.Contract
	Quote    float64
}

// StraddlePlan is a fully resolved two-leg ATM straddle: buy the CE and PE at
// the same strike. The legs are managed independently after entry; each
// carries its own fixed stop and profit target.
type StraddlePlan struct {
	Strike    int
	CE, PE    StraddleLeg
	StopPct   float64
	TargetPct float64
}

// EstimatedCost returns the combined premium outlay for qty per leg.
func (p StraddlePlan) EstimatedCost(qty int) float64 {
	return (p.CE.Quote + p.PE.Quote) * float64(qty)
}

// StraddlePlanner resolves ATM straddle plans from the live spot price.
type StraddlePlanner struct {
	feed       *Feed
	resolver   domain.ContractResolver
	underlying string
	spotSymbol string
	exchange   string
	strikeStep int
	stopPct    float64
	targetPct  float64
}

// NewStraddlePlanner creates a planner. stopPct and targetPct are fractions,
// e.g. 0.10 and 0.20.
func NewStraddlePlanner(feed *Feed, resolver domain.ContractResolver,
	underlying, spotSymbol, exchange string, strikeStep int, stopPct, targetPct float64) *StraddlePlanner {
	return &StraddlePlanner{
		feed:       feed,
		resolver:   resolver,
		underlying: underlying,
		spotSymbol: spotSymbol,
		exchange:   exchange,
		strikeStep: strikeStep,
		stopPct:    stopPct,
		targetPct:  targetPct,
	}
}

// Plan resolves both ATM legs and quotes them. expiry is the contract expiry
// in the scrip master's date format.
func (s *StraddlePlanner) Plan(ctx context.Context, expiry string) (*StraddlePlan, error) {
	spot, err := s.feed.Spot(ctx, s.spotSymbol)
	if err != nil {
		return nil, fmt.Errorf("strategy: straddle: spot: %w", err)
	}
	strike := domain.ATMStrike(spot, s.strikeStep)

	plan := &StraddlePlan{Strike: strike, StopPct: s.stopPct, TargetPct: s.targetPct}
	for _, leg := range []domain.Leg{domain.LegCE, domain.LegPE} {
		contract, err := s.resolver.Resolve(ctx, s.underlying, expiry, strike, leg)
		if err != nil {
			return nil, fmt.Errorf("strategy: straddle: resolve %d%s: %w", strike, leg, err)
		}
		quote, err := s.feed.broker.LTP(ctx, s.exchange, contract.Symbol, contract.Token)
		if err != nil {
			return nil, fmt.Errorf("strategy: straddle: quote %s: %w", contract.Symbol, err)
		}
		sl := StraddleLeg{Contract: contract, Quote: quote}
		if leg == domain.LegCE {
			plan.CE = sl
		} else {
			plan.PE = sl
		}
	}
	return plan, nil
}

// Straddle is the driver façade over the planner: it always reports NEUTRAL
// because a straddle is direction-agnostic; the runner recognizes the driver
// by name and uses the planner for entries instead of a directional leg.
type Straddle struct {
	Planner *StraddlePlanner
}

func NewStraddle(planner *StraddlePlanner) *Straddle { return &Straddle{Planner: planner} }

func (s *Straddle) Name() string { return "straddle" }

func (s *Straddle) Evaluate(ctx context.Context, _ time.Time) (domain.Trend, domain.Analysis, error) {
	spot, err := s.Planner.feed.Spot(ctx, s.Planner.spotSymbol)
	if err != nil {
		return domain.TrendNeutral, nil, err
	}
	return domain.TrendNeutral, domain.Analysis{
		"spot":       spot,
		"atm_strike": float64(domain.ATMStrike(spot, s.Planner.strikeStep)),
	}, nil
}

// Package domain defines the core entities, enums, and the store/cache/broker
// interfaces shared across the options trading bot.
package domain

import "fmt"

// Leg identifies an option contract leg. A bought CE expresses a long view on
// the underlying, a bought PE a short view.
type Leg string

const (
	LegCE Leg = "CE"
	LegPE Leg = "PE"
)

// Direction returns the implied view on the underlying for a bought leg.
func (l Leg) Direction() Trend {
	if l == LegPE {
		return TrendBearish
	}
	return TrendBullish
}

// Side indicates whether an order buys or sells the contract.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for an entry side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Trend is the classification a strategy driver produces from market data.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// EntryLeg maps a directional trend to the leg to buy. NEUTRAL maps to no leg.
func (t Trend) EntryLeg() (Leg, bool) {
	switch t {
	case TrendBullish:
		return LegCE, true
	case TrendBearish:
		return LegPE, true
	default:
		return "", false
	}
}

// Analysis carries the indicator values a driver used to classify the trend,
// kept for audit logging and the UI signal radar.
type Analysis map[string]float64

// Contract is a resolved, tradable option contract.
type Contract struct {
	Token  string
	Symbol string
	Strike int
	Leg    Leg
	Expiry string
}

func (c Contract) String() string {
	return fmt.Sprintf("%s (token %s)", c.Symbol, c.Token)
}

// ATMStrike rounds the underlying spot price to the nearest strike step.
func ATMStrike(spot float64, step int) int {
	if step <= 0 {
		step = 50
	}
	n := int(spot/float64(step) + 0.5)
	return n * step
}

// Package risk implements the pre-trade and in-trade rule checks that every
// strategy consults before and during trading. Checks are side-effect free
// apart from the gatekeeper's own short-lived margin cache.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
)

// SentimentSource supplies an aggregate market sentiment score in [-1, 1].
type SentimentSource interface {
	Score(ctx context.Context) (float64, error)
}

// Options holds the gatekeeper rule parameters, normally derived from config.
type Options struct {
	SessionStart   config.TimeOfDay
	SessionEnd     config.TimeOfDay
	BlackoutStart  config.TimeOfDay
	BlackoutEnd    config.TimeOfDay
	MarginBuffer   float64 // fractional buffer on top of required margin
	MarginCacheTTL time.Duration
	MaxDailyLoss   float64 // negative floor; trading halts at or below it
	VIXThreshold   float64
	VIXExchange    string
	VIXSymbol      string
	VIXToken       string
	LotSize        int
	SentimentVeto  float64 // |score| beyond which the aligned side is vetoed
	// Fail-open switches for the two non-critical data sources. Every other
	// check fails closed; this asymmetry is deliberate and configurable so
	// an operator can revisit it without a code change.
	VIXFailOpen       bool
	SentimentFailOpen bool
}

// Gatekeeper evaluates risk rules against the broker account and market
// clock. It is safe for concurrent use.
type Gatekeeper struct {
	broker    domain.Broker
	sentiment SentimentSource
	opts      Options
	logger    *slog.Logger

	mu          sync.Mutex
	margin      float64
	marginAt    time.Time
	realizedPnL float64 // cumulative realized P&L for the day
}

// New creates a Gatekeeper. sentiment may be nil, in which case the sentiment
// veto always passes.
func New(broker domain.Broker, sentiment SentimentSource, opts Options, logger *slog.Logger) *Gatekeeper {
	if opts.MarginCacheTTL <= 0 {
		opts.MarginCacheTTL = 10 * time.Second
	}
	return &Gatekeeper{
		broker:    broker,
		sentiment: sentiment,
		opts:      opts,
		logger:    logger.With(slog.String("component", "gatekeeper")),
	}
}

// IsMarketOpen reports whether now falls inside the configured trading
// session window.
func (g *Gatekeeper) IsMarketOpen(now time.Time) (bool, string) {
	mins := now.Hour()*60 + now.Minute()
	if mins < g.opts.SessionStart.Minutes() || mins > g.opts.SessionEnd.Minutes() {
		return false, fmt.Sprintf("market closed at %02d:%02d", now.Hour(), now.Minute())
	}
	return true, "market open"
}

// IsBlackoutPeriod reports whether now falls inside the midday blackout
// window during which new entries are disallowed. Open positions continue to
// be monitored.
func (g *Gatekeeper) IsBlackoutPeriod(now time.Time) (bool, string) {
	mins := now.Hour()*60 + now.Minute()
	if mins >= g.opts.BlackoutStart.Minutes() && mins < g.opts.BlackoutEnd.Minutes() {
		return true, fmt.Sprintf("blackout window %02d:%02d-%02d:%02d",
			g.opts.BlackoutStart.Hour, g.opts.BlackoutStart.Minute,
			g.opts.BlackoutEnd.Hour, g.opts.BlackoutEnd.Minute)
	}
	return false, "outside blackout window"
}

// availableMargin returns the broker's available margin, reusing a cached
// value when it is younger than the configured TTL. The bounded cache keeps
// the gatekeeper from hammering the margin endpoint on every tick.
func (g *Gatekeeper) availableMargin(ctx context.Context) (float64, error) {
	g.mu.Lock()
	if !g.marginAt.IsZero() && time.Since(g.marginAt) <= g.opts.MarginCacheTTL {
		m := g.margin
		g.mu.Unlock()
		return m, nil
	}
	g.mu.Unlock()

	m, err := g.broker.AvailableMargin(ctx)
	if err != nil {
		return 0, fmt.Errorf("gatekeeper: fetch margin: %w", err)
	}

	g.mu.Lock()
	g.margin = m
	g.marginAt = time.Now()
	g.mu.Unlock()
	return m, nil
}

// CheckFunds verifies that the account can cover requiredMargin plus the
// configured buffer. Any fetch error fails closed.
func (g *Gatekeeper) CheckFunds(ctx context.Context, requiredMargin float64) (bool, string) {
	available, err := g.availableMargin(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "fund check failed closed", slog.String("error", err.Error()))
		return false, "margin fetch failed: " + err.Error()
	}

	required := requiredMargin * (1 + g.opts.MarginBuffer)
	if available < required {
		return false, fmt.Sprintf("insufficient funds: available %.2f < required %.2f (incl. %.0f%% buffer)",
			available, required, g.opts.MarginBuffer*100)
	}
	return true, fmt.Sprintf("funds ok: available %.2f", available)
}

// CheckTradeMargin compares the cached margin against an exact estimated
// order cost (price × quantity). Used immediately before order placement.
func (g *Gatekeeper) CheckTradeMargin(ctx context.Context, estimatedCost float64) (bool, string) {
	available, err := g.availableMargin(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "trade margin check failed closed", slog.String("error", err.Error()))
		return false, "margin fetch failed: " + err.Error()
	}
	required := estimatedCost * (1 + g.opts.MarginBuffer)
	if available < required {
		return false, fmt.Sprintf("trade cost %.2f (with buffer %.2f) exceeds available %.2f",
			estimatedCost, required, available)
	}
	return true, "trade margin ok"
}

// CheckMaxDailyLoss reports whether trading may continue given the current
// day P&L (realized plus unrealized). A false result must force-close any
// open position and halt new entries for the rest of the run.
func (g *Gatekeeper) CheckMaxDailyLoss(currentPnL float64) (bool, string) {
	if currentPnL <= g.opts.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss circuit tripped: pnl %.2f <= floor %.2f",
			currentPnL, g.opts.MaxDailyLoss)
	}
	return true, "daily loss within limits"
}

// AddRealizedPnL records the realized P&L of a closed trade into the day
// accumulator consumed by the loss circuit.
func (g *Gatekeeper) AddRealizedPnL(delta float64) {
	g.mu.Lock()
	g.realizedPnL += delta
	g.mu.Unlock()
}

// RealizedPnL returns the day's cumulative realized P&L.
func (g *Gatekeeper) RealizedPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realizedPnL
}

// VIXMultiplier returns the position-size multiplier derived from the
// volatility index: 0.5 when the VIX reading exceeds the threshold, else 1.0.
// A fetch failure returns 1.0 when configured fail-open (the default).
func (g *Gatekeeper) VIXMultiplier(ctx context.Context) float64 {
	vix, err := g.broker.LTP(ctx, g.opts.VIXExchange, g.opts.VIXSymbol, g.opts.VIXToken)
	if err != nil {
		if g.opts.VIXFailOpen {
			g.logger.WarnContext(ctx, "vix fetch failed, sizing fail-open at 1.0",
				slog.String("error", err.Error()))
			return 1.0
		}
		g.logger.WarnContext(ctx, "vix fetch failed, sizing fail-closed at 0.5",
			slog.String("error", err.Error()))
		return 0.5
	}
	if vix > g.opts.VIXThreshold {
		g.logger.InfoContext(ctx, "elevated volatility, halving position size",
			slog.Float64("vix", vix), slog.Float64("threshold", g.opts.VIXThreshold))
		return 0.5
	}
	return 1.0
}

// SizedQuantity computes the order quantity from the lot size and the VIX
// multiplier: lot_size × max(1, int(multiplier)).
func (g *Gatekeeper) SizedQuantity(ctx context.Context) int {
	mult := g.VIXMultiplier(ctx)
	lots := int(mult)
	if lots < 1 {
		lots = 1
	}
	return g.opts.LotSize * lots
}

// CheckNoOpenOrders verifies no order for symbol is in an open or pending
// state on the broker's order book. Guards against duplicate entries.
func (g *Gatekeeper) CheckNoOpenOrders(ctx context.Context, symbol string) (bool, string) {
	book, err := g.broker.OrderBook(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "order book check failed closed", slog.String("error", err.Error()))
		return false, "order book fetch failed: " + err.Error()
	}
	for _, o := range book {
		if o.Symbol != symbol {
			continue
		}
		if o.State == domain.OrderStateOpen || o.State == domain.OrderStatePending {
			return false, fmt.Sprintf("active order %s exists for %s", o.OrderID, symbol)
		}
	}
	return true, "no open orders for " + symbol
}

// CheckSentimentRisk vetoes a bullish entry when aggregate news sentiment is
// strongly negative and a bearish entry when strongly positive. A source
// error passes the check when configured fail-open (the default); sentiment
// is a non-critical signal and its outage must not halt trading.
func (g *Gatekeeper) CheckSentimentRisk(ctx context.Context, direction domain.Trend) (bool, string) {
	if g.sentiment == nil {
		return true, "sentiment source not configured"
	}
	score, err := g.sentiment.Score(ctx)
	if err != nil {
		if g.opts.SentimentFailOpen {
			g.logger.WarnContext(ctx, "sentiment fetch failed, veto fail-open",
				slog.String("error", err.Error()))
			return true, "sentiment unavailable, fail-open"
		}
		return false, "sentiment fetch failed: " + err.Error()
	}

	switch direction {
	case domain.TrendBullish:
		if score <= -g.opts.SentimentVeto {
			return false, fmt.Sprintf("long entry vetoed: sentiment %.2f strongly negative", score)
		}
	case domain.TrendBearish:
		if score >= g.opts.SentimentVeto {
			return false, fmt.Sprintf("short entry vetoed: sentiment %.2f strongly positive", score)
		}
	}
	return true, fmt.Sprintf("sentiment %.2f acceptable", score)
}

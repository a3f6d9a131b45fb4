package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// Feed fetches underlying (spot index) candles for the drivers. All drivers
// share one feed so the instrument identity lives in one place.
type Feed struct {
	broker   domain.Broker
	exchange string
	token    string

	sessionStartHour   int
	sessionStartMinute int
}

// NewFeed creates a Feed for the spot instrument.
func NewFeed(broker domain.Broker, exchange, token string, sessionStartHour, sessionStartMinute int) *Feed {
	return &Feed{
		broker:             broker,
		exchange:           exchange,
		token:              token,
		sessionStartHour:   sessionStartHour,
		sessionStartMinute: sessionStartMinute,
	}
}

// Recent returns spot candles for the trailing lookback window ending at now.
func (f *Feed) Recent(ctx context.Context, now time.Time, interval domain.CandleInterval, lookback time.Duration) ([]domain.Candle, error) {
	candles, err := f.broker.Candles(ctx, domain.CandleRequest{
		Exchange: f.exchange,
		Token:    f.token,
		Interval: interval,
		From:     now.Add(-lookback),
		To:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("strategy: fetch candles: %w", domain.ErrDataUnavailable)
	}
	return candles, nil
}

// Session returns spot candles from today's session open up to now.
func (f *Feed) Session(ctx context.Context, now time.Time, interval domain.CandleInterval) ([]domain.Candle, error) {
	open := time.Date(now.Year(), now.Month(), now.Day(),
		f.sessionStartHour, f.sessionStartMinute, 0, 0, now.Location())
	if !now.After(open) {
		return nil, fmt.Errorf("strategy: session not open yet: %w", domain.ErrDataUnavailable)
	}
	candles, err := f.broker.Candles(ctx, domain.CandleRequest{
		Exchange: f.exchange,
		Token:    f.token,
		Interval: interval,
		From:     open,
		To:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy: fetch session candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("strategy: fetch session candles: %w", domain.ErrDataUnavailable)
	}
	return candles, nil
}

// Spot returns the current spot price.
func (f *Feed) Spot(ctx context.Context, symbol string) (float64, error) {
	return f.broker.LTP(ctx, f.exchange, symbol, f.token)
}

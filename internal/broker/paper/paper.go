// Package paper composes a paper-trading broker: live market data with
// simulated execution. Orders fill at the last live quote while the real
// account is never touched.
package paper

import (
	"context"
	"fmt"

	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/domain"
)

// Broker routes data calls to the live client and execution calls to an
// in-process simulator seeded with live quotes.
type Broker struct {
	data     domain.Broker
	exec     *sim.Broker
	exchange string
}

// New creates a paper Broker with the given simulated margin.
func New(data domain.Broker, exchange string, margin float64) *Broker {
	return &Broker{
		data:     data,
		exec:     sim.New(margin),
		exchange: exchange,
	}
}

func (b *Broker) LTP(ctx context.Context, exchange, symbol, token string) (float64, error) {
	return b.data.LTP(ctx, exchange, symbol, token)
}

func (b *Broker) Candles(ctx context.Context, req domain.CandleRequest) ([]domain.Candle, error) {
	return b.data.Candles(ctx, req)
}

// PlaceOrder seeds the simulator with the current live quote so the fill
// price tracks the market, then submits to the simulator.
func (b *Broker) PlaceOrder(ctx context.Context, params domain.OrderParams) (string, error) {
	quote, err := b.data.LTP(ctx, b.exchange, params.Symbol, params.Token)
	if err != nil {
		return "", fmt.Errorf("paper: quote %s: %w", params.Symbol, err)
	}
	b.exec.SetPrice(params.Token, quote)
	return b.exec.PlaceOrder(ctx, params)
}

func (b *Broker) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, float64, error) {
	return b.exec.OrderStatus(ctx, orderID)
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	return b.exec.CancelOrder(ctx, orderID)
}

func (b *Broker) OrderBook(ctx context.Context) ([]domain.OrderRecord, error) {
	return b.exec.OrderBook(ctx)
}

func (b *Broker) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return b.exec.Positions(ctx)
}

func (b *Broker) AvailableMargin(ctx context.Context) (float64, error) {
	return b.exec.AvailableMargin(ctx)
}

func (b *Broker) Refresh(ctx context.Context) error {
	return b.data.Refresh(ctx)
}

var _ domain.Broker = (*Broker)(nil)

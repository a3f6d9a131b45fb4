// Package sim implements an in-process simulated broker used for paper
// trading and tests. Market orders fill immediately at the last set price;
// stop-loss orders rest until cancelled. Prices are injected via SetPrice,
// either from a live feed (paper mode) or from test fixtures.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// Broker is the simulated broker. Safe for concurrent use.
type Broker struct {
	mu        sync.Mutex
	prices    map[string]float64 // token -> last price
	candles   map[string][]domain.Candle
	orders    map[string]*order
	positions map[string]*domain.BrokerPosition // symbol -> net position
	margin    float64
	failLTP   map[string]error // injected quote failures, for tests
}

type order struct {
	rec    domain.OrderRecord
	token  string
	params domain.OrderParams
}

// New creates a simulated broker with the given available margin.
func New(margin float64) *Broker {
	return &Broker{
		prices:    make(map[string]float64),
		candles:   make(map[string][]domain.Candle),
		orders:    make(map[string]*order),
		positions: make(map[string]*domain.BrokerPosition),
		margin:    margin,
		failLTP:   make(map[string]error),
	}
}

// SetPrice sets the last price for a token.
func (b *Broker) SetPrice(token string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[token] = price
}

// SetCandles installs the candle series returned for a token.
func (b *Broker) SetCandles(token string, candles []domain.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[token] = candles
}

// SetMargin sets the available margin.
func (b *Broker) SetMargin(m float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.margin = m
}

// FailQuotes makes LTP return err for a token until cleared with a nil err.
func (b *Broker) FailQuotes(token string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failLTP, token)
		return
	}
	b.failLTP[token] = err
}

// ErasePosition drops the broker-side position for a symbol, simulating an
// external close outside the bot.
func (b *Broker) ErasePosition(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

// InjectPosition installs a broker-side position with no corresponding
// order flow, simulating a manual trade.
func (b *Broker) InjectPosition(p domain.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.positions[p.Symbol] = &cp
}

func (b *Broker) LTP(_ context.Context, _, _, token string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failLTP[token]; ok {
		return 0, err
	}
	p, ok := b.prices[token]
	if !ok {
		return 0, fmt.Errorf("sim: no price for token %s: %w", token, domain.ErrDataUnavailable)
	}
	return p, nil
}

func (b *Broker) Candles(_ context.Context, req domain.CandleRequest) ([]domain.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.candles[req.Token], nil
}

func (b *Broker) PlaceOrder(_ context.Context, params domain.OrderParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	o := &order{
		rec: domain.OrderRecord{
			OrderID: id,
			Symbol:  params.Symbol,
			Side:    params.Side,
			Qty:     params.Qty,
		},
		token:  params.Token,
		params: params,
	}

	switch params.Type {
	case domain.OrderTypeMarket:
		price, ok := b.prices[params.Token]
		if !ok {
			o.rec.State = domain.OrderStateRejected
			b.orders[id] = o
			return id, nil
		}
		o.rec.State = domain.OrderStateComplete
		o.rec.AvgPrice = price
		b.applyFill(params, price)
	case domain.OrderTypeStopLossLimit:
		o.rec.State = domain.OrderStateOpen
	default:
		return "", fmt.Errorf("sim: unsupported order type %s", params.Type)
	}

	b.orders[id] = o
	return id, nil
}

// applyFill updates the net position book. Caller holds b.mu.
func (b *Broker) applyFill(params domain.OrderParams, price float64) {
	pos, ok := b.positions[params.Symbol]
	if !ok {
		pos = &domain.BrokerPosition{Symbol: params.Symbol, Token: params.Token}
		b.positions[params.Symbol] = pos
	}
	qty := params.Qty
	if params.Side == domain.SideSell {
		qty = -qty
	}
	if pos.NetQty == 0 {
		pos.AvgPrice = price
	}
	pos.NetQty += qty
	if pos.NetQty == 0 {
		delete(b.positions, params.Symbol)
	}
}

func (b *Broker) OrderStatus(_ context.Context, orderID string) (domain.OrderState, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.OrderStateUnknown, 0, fmt.Errorf("sim: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o.rec.State, o.rec.AvgPrice, nil
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	if o.rec.State == domain.OrderStateOpen || o.rec.State == domain.OrderStatePending {
		o.rec.State = domain.OrderStateRejected
	}
	return nil
}

func (b *Broker) OrderBook(_ context.Context) ([]domain.OrderRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderRecord, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.rec)
	}
	return out, nil
}

func (b *Broker) Positions(_ context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (b *Broker) AvailableMargin(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.margin, nil
}

func (b *Broker) Refresh(_ context.Context) error { return nil }

// Resolver is a static contract resolver for paper trading: it fabricates
// deterministic symbols and tokens without a scrip master download.
type Resolver struct{}

func (Resolver) Resolve(_ context.Context, underlying, expiry string, strike int, leg domain.Leg) (domain.Contract, error) {
	symbol := fmt.Sprintf("%s%s%d%s", underlying, expiry, strike, leg)
	return domain.Contract{
		Token:  fmt.Sprintf("SIM%d%s", strike, leg),
		Symbol: symbol,
		Strike: strike,
		Leg:    leg,
		Expiry: expiry,
	}, nil
}

var _ domain.Broker = (*Broker)(nil)
var _ domain.ContractResolver = Resolver{}

package domain

import (
	"context"
	"time"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeStopLossLimit OrderType = "STOPLOSS_LIMIT"
)

// OrderState is the lifecycle state the broker reports for an order.
type OrderState string

const (
	OrderStatePending  OrderState = "pending"
	OrderStateOpen     OrderState = "open"
	OrderStateComplete OrderState = "complete"
	OrderStateRejected OrderState = "rejected"
	OrderStateUnknown  OrderState = "unknown"
)

// OrderParams describes an order submission.
type OrderParams struct {
	Symbol       string
	Token        string
	Side         Side
	Qty          int
	Type         OrderType
	Price        float64 // limit price for stop-loss orders
	TriggerPrice float64 // trigger for stop-loss orders
}

// OrderRecord is one row of the broker-side order book.
type OrderRecord struct {
	OrderID  string
	Symbol   string
	Side     Side
	Qty      int
	State    OrderState
	AvgPrice float64
}

// BrokerPosition is the broker's authoritative view of a net position, used
// by reconciliation.
type BrokerPosition struct {
	Symbol   string
	Token    string
	NetQty   int
	AvgPrice float64
}

// CandleInterval selects the candle resolution for historical fetches.
type CandleInterval string

const (
	IntervalOneMinute     CandleInterval = "ONE_MINUTE"
	IntervalFiveMinute    CandleInterval = "FIVE_MINUTE"
	IntervalFifteenMinute CandleInterval = "FIFTEEN_MINUTE"
	IntervalOneDay        CandleInterval = "ONE_DAY"
)

// Candle is one OHLCV bar. OpenInterest is zero when the feed omits it.
type Candle struct {
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	OpenInterest float64
}

// CandleRequest describes a historical candle fetch.
type CandleRequest struct {
	Exchange string
	Token    string
	Interval CandleInterval
	From     time.Time
	To       time.Time
}

// Broker is the capability interface every broker client implements. The
// controller, gatekeeper, and strategy drivers depend only on this contract;
// live and simulated implementations are interchangeable.
type Broker interface {
	// LTP returns the last traded price for an instrument.
	LTP(ctx context.Context, exchange, symbol, token string) (float64, error)
	// Candles returns chronological OHLCV bars; an empty slice means the
	// feed had no data for the window.
	Candles(ctx context.Context, req CandleRequest) ([]Candle, error)
	// PlaceOrder submits an order and returns the broker order id.
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)
	// OrderStatus reports the state and average fill price of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderState, float64, error)
	// CancelOrder cancels a resting order. Cancelling an already-executed
	// or unknown order is not an error.
	CancelOrder(ctx context.Context, orderID string) error
	// OrderBook returns all of today's orders.
	OrderBook(ctx context.Context) ([]OrderRecord, error)
	// Positions returns the broker-side net positions for reconciliation.
	Positions(ctx context.Context) ([]BrokerPosition, error)
	// AvailableMargin returns the account's available margin.
	AvailableMargin(ctx context.Context) (float64, error)
	// Refresh re-establishes the broker session after an auth failure.
	Refresh(ctx context.Context) error
}

// ContractResolver maps an (underlying, expiry, strike, leg) tuple to a
// tradable contract.
type ContractResolver interface {
	Resolve(ctx context.Context, underlying, expiry string, strike int, leg Leg) (Contract, error)
}

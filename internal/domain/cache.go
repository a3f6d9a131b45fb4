package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest observed prices, shared
// between the trading loop and the façade's live P&L endpoint.
type PriceCache interface {
	SetPrice(ctx context.Context, token string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, token string) (float64, time.Time, error)
}

// SignalBus provides pub/sub used to stream logs and trade events to
// observers (the WS hub). It must never block the trading loop.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (<-chan BusMessage, error)
}

// BusMessage is one message delivered by the SignalBus.
type BusMessage struct {
	Channel string
	Payload []byte
}

// LockManager provides distributed locking; the runner uses it as the
// system-wide singleton start gate.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned unlock
	// function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerEntry is the persisted mirror of a Position. Rows are append-mostly:
// the stop price and status are the only fields mutated after insert, and the
// position controller is the only writer of status transitions.
type LedgerEntry struct {
	ID          int64
	Symbol      string
	Token       string
	Leg         Leg
	Side        Side
	Qty         int
	EntryPrice  float64
	StopPrice   float64
	Status      PositionStatus
	CloseReason CloseReason
	ExitPrice   float64
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// TradeLedger is the durable record of trades and the single source of truth
// for what is open locally. The broker remains the ultimate authority via
// reconciliation.
type TradeLedger interface {
	// SaveTrade inserts an OPEN row and returns its id.
	SaveTrade(ctx context.Context, e LedgerEntry) (int64, error)
	// UpdateStop records a new stop price for an open trade.
	UpdateStop(ctx context.Context, id int64, stop float64) error
	// CloseTrade marks a trade CLOSED with the exit price and reason.
	CloseTrade(ctx context.Context, id int64, exitPrice float64, reason CloseReason) error
	// CloseBySymbol closes all open trades for a symbol; used when only the
	// broker-side identity is known.
	CloseBySymbol(ctx context.Context, symbol string, reason CloseReason) error
	// ActiveTrade returns the most recent open trade, or ErrNotFound.
	ActiveTrade(ctx context.Context) (LedgerEntry, error)
	// OpenTrades returns every open trade.
	OpenTrades(ctx context.Context) ([]LedgerEntry, error)
	// History returns past trades, newest first.
	History(ctx context.Context, opts ListOpts) ([]LedgerEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of trading decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

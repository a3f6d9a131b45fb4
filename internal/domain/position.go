package domain

import "time"

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// CloseReason records which exit trigger closed a position. Exactly one reason
// is recorded per position; the first matching trigger wins.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "STOP_LOSS"
	CloseTrailingStop CloseReason = "TRAILING_STOP"
	CloseTarget       CloseReason = "TARGET"
	CloseReversal     CloseReason = "REVERSAL"
	CloseTimeExit     CloseReason = "TIME_EXIT"
	CloseMaxDailyLoss CloseReason = "MAX_DAILY_LOSS"
	CloseDataLoss     CloseReason = "DATA_LOSS_SAFETY"
	CloseExternal     CloseReason = "EXTERNAL_CLOSE"
	CloseUserStopped  CloseReason = "USER_STOPPED"
)

// Position is the in-memory record of a single option leg owned by the
// position controller. The ledger row identified by TradeID mirrors it for
// crash recovery and UI visibility.
type Position struct {
	TradeID        int64
	Symbol         string
	Token          string
	Leg            Leg
	Side           Side
	Qty            int
	EntryPrice     float64
	StopLoss       float64
	TargetPrice    float64 // take-profit level, zero when the leg has none
	PeakPnLPct     float64 // highest profit percentage observed since entry
	BreakevenArmed bool
	EntryOrderID   string
	StopOrderID    string // resting protective stop on the broker, if placed
	Status         PositionStatus
	Reason         CloseReason
	ExitPrice      float64
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// PnLPct returns the unrealized profit percentage at the given price for a
// long position (negative of it for a short one).
func (p Position) PnLPct(ltp float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (ltp - p.EntryPrice) / p.EntryPrice
	if p.Side == SideSell {
		return -pct
	}
	return pct
}

// PnLPoints returns the unrealized profit in price points.
func (p Position) PnLPoints(ltp float64) float64 {
	pts := ltp - p.EntryPrice
	if p.Side == SideSell {
		return -pts
	}
	return pts
}

// PnLValue returns the unrealized rupee P&L at the given price.
func (p Position) PnLValue(ltp float64) float64 {
	return p.PnLPoints(ltp) * float64(p.Qty)
}

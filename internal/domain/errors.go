package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrNoPosition        = errors.New("no open position")
	ErrPositionOpen      = errors.New("position already open")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrOrderUnfilled     = errors.New("order did not fill")
	ErrDataUnavailable   = errors.New("market data unavailable")
	ErrSessionExpired    = errors.New("broker session expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrContractNotFound  = errors.New("option contract not resolvable")
	ErrLockHeld          = errors.New("lock already held")
	ErrBotRunning        = errors.New("bot is already running")
	ErrBotStopped        = errors.New("bot is not running")
	ErrStillStopping     = errors.New("bot is still shutting down")
	ErrContextDone       = errors.New("context cancelled")
)

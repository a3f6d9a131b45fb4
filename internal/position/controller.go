// Package position implements the single position controller: the state
// machine that owns the full lifecycle of the bot's one open option position,
// from entry admission through stop management to confirmed exit and
// broker reconciliation.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// State is the controller's lifecycle state. The machine moves
// NoPosition → EntryPending → Open → ExitPending → NoPosition; a failed
// entry returns to NoPosition without opening.
type State string

const (
	StateNoPosition   State = "NO_POSITION"
	StateEntryPending State = "ENTRY_PENDING"
	StateOpen         State = "OPEN"
	StateExitPending  State = "EXIT_PENDING"
)

// RecoveryStore persists a lightweight crash-recovery hint alongside the
// ledger row. Save overwrites; Load returns domain.ErrNotFound when no hint
// exists; Clear removes the hint.
type RecoveryStore interface {
	Save(pos domain.Position) error
	Load() (domain.Position, error)
	Clear() error
}

// Admission is the subset of gatekeeper checks the controller runs before
// placing an entry order.
type Admission interface {
	CheckNoOpenOrders(ctx context.Context, symbol string) (bool, string)
	CheckTradeMargin(ctx context.Context, estimatedCost float64) (bool, string)
	CheckSentimentRisk(ctx context.Context, direction domain.Trend) (bool, string)
	AddRealizedPnL(delta float64)
}

// Options parameterizes the controller.
type Options struct {
	Exchange        string  // option exchange, e.g. NFO
	PlaceBrokerStop bool    // also park a resting stop-loss order at the broker
	FallbackStopPct float64 // conservative stop for broker-adopted positions
	FillTimeout     time.Duration
	FillPollEvery   time.Duration
}

// Controller owns the single open position. All mutating methods serialize on
// one mutex so that the tick loop, the reconciler, and the HTTP façade can
// never race a state transition.
type Controller struct {
	broker   domain.Broker
	ledger   domain.TradeLedger
	audit    domain.AuditStore
	gate     Admission
	policy   StopPolicy
	recovery RecoveryStore
	logger   *slog.Logger
	opts     Options

	mu    sync.Mutex
	state State
	pos   *domain.Position
	last  *domain.Position // most recently closed position, for status reporting
}

// NewController creates a controller in the NoPosition state. audit and
// recovery may be nil.
func NewController(broker domain.Broker, ledger domain.TradeLedger, audit domain.AuditStore,
	gate Admission, policy StopPolicy, recovery RecoveryStore, opts Options, logger *slog.Logger) *Controller {
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 10 * time.Second
	}
	if opts.FillPollEvery <= 0 {
		opts.FillPollEvery = 500 * time.Millisecond
	}
	return &Controller{
		broker:   broker,
		ledger:   ledger,
		audit:    audit,
		gate:     gate,
		policy:   policy,
		recovery: recovery,
		logger:   logger.With(slog.String("component", "position")),
		opts:     opts,
		state:    StateNoPosition,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns a snapshot of the open position, or nil.
func (c *Controller) Active() *domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos == nil {
		return nil
	}
	snap := *c.pos
	return &snap
}

// LastClosed returns a snapshot of the most recently closed position, or nil.
func (c *Controller) LastClosed() *domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	snap := *c.last
	return &snap
}

// ArmTarget sets a take-profit level on the open position. Directional trades
// ride their trailing stop and never arm one; straddle legs take profit at a
// fixed percentage above entry.
func (c *Controller) ArmTarget(target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.pos == nil {
		return fmt.Errorf("position: arm target: %w", domain.ErrNoPosition)
	}
	c.pos.TargetPrice = roundPaisa(target)
	c.saveRecovery(*c.pos)
	return nil
}

// Enter opens a long position in the given contract. It runs the admission
// checks, places a market order, waits for the fill, computes the initial
// stop from the active policy, and persists the trade. Exactly one position
// can exist; a second call while one is open returns ErrPositionOpen.
func (c *Controller) Enter(ctx context.Context, contract domain.Contract, qty int) (*domain.Position, error) {
	c.mu.Lock()
	if c.state != StateNoPosition {
		c.mu.Unlock()
		return nil, fmt.Errorf("position: enter %s: %w", contract.Symbol, domain.ErrPositionOpen)
	}
	c.state = StateEntryPending
	c.mu.Unlock()

	pos, err := c.doEnter(ctx, contract, qty)

	c.mu.Lock()
	if err != nil {
		c.state = StateNoPosition
		c.mu.Unlock()
		return nil, err
	}
	c.pos = pos
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "position opened",
		slog.String("symbol", pos.Symbol),
		slog.Int("qty", pos.Qty),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("stop", pos.StopLoss),
		slog.Int64("trade_id", pos.TradeID))
	c.auditLog(ctx, "position_opened", map[string]any{
		"symbol": pos.Symbol, "qty": pos.Qty, "entry": pos.EntryPrice, "trade_id": pos.TradeID,
	})
	snap := *pos
	return &snap, nil
}

func (c *Controller) doEnter(ctx context.Context, contract domain.Contract, qty int) (*domain.Position, error) {
	if ok, reason := c.gate.CheckNoOpenOrders(ctx, contract.Symbol); !ok {
		return nil, fmt.Errorf("position: enter %s: %s: %w", contract.Symbol, reason, domain.ErrOrderRejected)
	}
	if ok, reason := c.gate.CheckSentimentRisk(ctx, contract.Leg.Direction()); !ok {
		return nil, fmt.Errorf("position: enter %s: %s: %w", contract.Symbol, reason, domain.ErrOrderRejected)
	}

	quote, err := c.broker.LTP(ctx, c.opts.Exchange, contract.Symbol, contract.Token)
	if err != nil {
		return nil, fmt.Errorf("position: enter %s: quote: %w", contract.Symbol, err)
	}
	if ok, reason := c.gate.CheckTradeMargin(ctx, quote*float64(qty)); !ok {
		return nil, fmt.Errorf("position: enter %s: %s: %w", contract.Symbol, reason, domain.ErrInsufficientFunds)
	}

	orderID, err := c.broker.PlaceOrder(ctx, domain.OrderParams{
		Symbol: contract.Symbol,
		Token:  contract.Token,
		Side:   domain.SideBuy,
		Qty:    qty,
		Type:   domain.OrderTypeMarket,
	})
	if err != nil {
		return nil, fmt.Errorf("position: enter %s: place order: %w", contract.Symbol, err)
	}

	fill, err := c.waitForFill(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("position: enter %s: order %s: %w", contract.Symbol, orderID, err)
	}
	if fill <= 0 {
		fill = quote
	}

	pos := &domain.Position{
		Symbol:       contract.Symbol,
		Token:        contract.Token,
		Leg:          contract.Leg,
		Side:         domain.SideBuy,
		Qty:          qty,
		EntryPrice:   fill,
		StopLoss:     c.policy.Initial(fill),
		EntryOrderID: orderID,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     time.Now(),
	}

	id, err := c.ledger.SaveTrade(ctx, ledgerEntryFrom(pos))
	if err != nil {
		// The fill is real; abandoning it because bookkeeping failed would
		// leave an unmanaged position. Keep going and let reconcile repair
		// the ledger.
		c.logger.ErrorContext(ctx, "ledger save failed, continuing unpersisted",
			slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
	} else {
		pos.TradeID = id
	}

	if c.opts.PlaceBrokerStop && pos.StopLoss > 0 {
		stopID, err := c.placeRestingStop(ctx, pos)
		if err != nil {
			c.logger.WarnContext(ctx, "resting stop placement failed, trailing in software only",
				slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
		} else {
			pos.StopOrderID = stopID
		}
	}

	c.saveRecovery(*pos)
	return pos, nil
}

// waitForFill polls the order until it completes or the fill timeout lapses.
// A rejected order returns ErrOrderRejected; a still-open order at timeout
// returns ErrOrderUnfilled.
func (c *Controller) waitForFill(ctx context.Context, orderID string) (float64, error) {
	deadline := time.Now().Add(c.opts.FillTimeout)
	for {
		state, avg, err := c.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch state {
			case domain.OrderStateComplete:
				return avg, nil
			case domain.OrderStateRejected:
				return 0, domain.ErrOrderRejected
			}
		}
		if time.Now().After(deadline) {
			return 0, domain.ErrOrderUnfilled
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.opts.FillPollEvery):
		}
	}
}

func (c *Controller) placeRestingStop(ctx context.Context, pos *domain.Position) (string, error) {
	// Trigger at the stop, limit a touch below so the order still fills
	// through a fast move.
	limit := roundPaisa(pos.StopLoss * 0.995)
	return c.broker.PlaceOrder(ctx, domain.OrderParams{
		Symbol:       pos.Symbol,
		Token:        pos.Token,
		Side:         pos.Side.Opposite(),
		Qty:          pos.Qty,
		Type:         domain.OrderTypeStopLossLimit,
		Price:        limit,
		TriggerPrice: pos.StopLoss,
	})
}

// UpdateStop feeds the latest price to the stop policy and ratchets the stop
// if the policy moved it. It returns true when the price has breached the
// current stop; the caller is expected to follow up with Exit.
func (c *Controller) UpdateStop(ctx context.Context, ltp float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.pos == nil {
		return false, nil
	}

	prev := c.pos.StopLoss
	next := c.policy.Update(c.pos, ltp)
	if next > prev {
		c.pos.StopLoss = next
		if c.pos.TradeID != 0 {
			if err := c.ledger.UpdateStop(ctx, c.pos.TradeID, next); err != nil {
				c.logger.WarnContext(ctx, "stop persist failed",
					slog.Int64("trade_id", c.pos.TradeID), slog.String("error", err.Error()))
			}
		}
		c.saveRecovery(*c.pos)
		c.logger.InfoContext(ctx, "stop raised",
			slog.String("symbol", c.pos.Symbol),
			slog.Float64("from", prev),
			slog.Float64("to", next),
			slog.Float64("ltp", ltp))
	}

	return c.breached(ltp), nil
}

// breached reports whether ltp violates the active stop. Caller holds c.mu.
func (c *Controller) breached(ltp float64) bool {
	if c.pos == nil || c.pos.StopLoss <= 0 {
		return false
	}
	if c.pos.Side == domain.SideSell {
		return ltp >= c.pos.StopLoss
	}
	return ltp <= c.pos.StopLoss
}

// CheckExit evaluates the exit triggers in strict priority order and returns
// the first that fires: stop breach, daily loss circuit, trend reversal,
// time cutoff, external stop request.
func (c *Controller) CheckExit(ctx context.Context, now time.Time, ltp float64,
	trend domain.Trend, dailyPnLOK bool, pastCutoff, stopRequested bool) (domain.CloseReason, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.pos == nil {
		return "", false
	}

	if c.breached(ltp) {
		return c.policy.BreachReason(), true
	}
	if !dailyPnLOK {
		return domain.CloseMaxDailyLoss, true
	}
	if opposed(c.pos.Leg, trend) {
		return domain.CloseReversal, true
	}
	if pastCutoff {
		return domain.CloseTimeExit, true
	}
	if stopRequested {
		return domain.CloseUserStopped, true
	}
	return "", false
}

// opposed reports whether the trend argues against holding the leg.
func opposed(leg domain.Leg, trend domain.Trend) bool {
	switch trend {
	case domain.TrendBullish:
		return leg == domain.LegPE
	case domain.TrendBearish:
		return leg == domain.LegCE
	}
	return false
}

// Exit closes the open position with the given reason. The method is
// idempotent: once a closing order has been confirmed placed, repeat calls
// are no-ops, so at most one closing order is ever submitted per position.
// If order placement itself fails the state stays ExitPending and the caller
// may retry.
func (c *Controller) Exit(ctx context.Context, reason domain.CloseReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateNoPosition, StateEntryPending:
		return nil
	case StateExitPending:
		if c.pos == nil {
			return nil
		}
	}
	if c.pos == nil {
		return nil
	}
	pos := c.pos
	c.state = StateExitPending

	// Cancel the resting stop first so the closing order cannot double-fill
	// against it.
	if pos.StopOrderID != "" {
		if err := c.broker.CancelOrder(ctx, pos.StopOrderID); err != nil {
			c.logger.WarnContext(ctx, "resting stop cancel failed",
				slog.String("order_id", pos.StopOrderID), slog.String("error", err.Error()))
		}
		pos.StopOrderID = ""
	}

	orderID, err := c.broker.PlaceOrder(ctx, domain.OrderParams{
		Symbol: pos.Symbol,
		Token:  pos.Token,
		Side:   pos.Side.Opposite(),
		Qty:    pos.Qty,
		Type:   domain.OrderTypeMarket,
	})
	if err != nil {
		// Still holding; remain in ExitPending so the next tick retries.
		return fmt.Errorf("position: exit %s: place order: %w", pos.Symbol, err)
	}

	exitPrice, err := c.waitForFill(ctx, orderID)
	if err != nil {
		// The order was accepted; treat the position as closing even though
		// the fill price is unknown yet. Reconcile will confirm.
		c.logger.WarnContext(ctx, "exit fill unconfirmed, assuming close",
			slog.String("symbol", pos.Symbol), slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}

	c.finalizeClose(ctx, pos, exitPrice, reason)
	return nil
}

// finalizeClose records the close in the ledger and resets the machine.
// Caller holds c.mu.
func (c *Controller) finalizeClose(ctx context.Context, pos *domain.Position, exitPrice float64, reason domain.CloseReason) {
	now := time.Now()
	pos.Status = domain.PositionStatusClosed
	pos.Reason = reason
	pos.ExitPrice = exitPrice
	pos.ClosedAt = &now

	if pos.TradeID != 0 {
		if err := c.ledger.CloseTrade(ctx, pos.TradeID, exitPrice, reason); err != nil {
			c.logger.ErrorContext(ctx, "ledger close failed",
				slog.Int64("trade_id", pos.TradeID), slog.String("error", err.Error()))
		}
	}
	if exitPrice > 0 {
		c.gate.AddRealizedPnL(pos.PnLValue(exitPrice))
	}
	c.clearRecovery()

	c.logger.InfoContext(ctx, "position closed",
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit", exitPrice),
		slog.Float64("pnl", pos.PnLValue(exitPrice)))
	c.auditLog(ctx, "position_closed", map[string]any{
		"symbol": pos.Symbol, "reason": string(reason), "exit": exitPrice, "trade_id": pos.TradeID,
	})

	c.last = pos
	c.pos = nil
	c.state = StateNoPosition
}

// Reconcile compares local state against the broker's positions and adopts
// the broker's view on mismatch. A position the broker no longer shows is
// marked closed externally; a broker position with no local record is
// adopted under management with a conservative stop.
func (c *Controller) Reconcile(ctx context.Context) error {
	brokerPositions, err := c.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("position: reconcile: fetch positions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Never adopt across an in-flight transition; the pending operation
	// settles first and the next cycle sees the outcome.
	if c.state == StateEntryPending || c.state == StateExitPending {
		return nil
	}

	if c.state == StateOpen && c.pos != nil {
		if netQty(brokerPositions, c.pos.Symbol) == 0 {
			c.logger.WarnContext(ctx, "broker shows position flat, adopting external close",
				slog.String("symbol", c.pos.Symbol))
			pos := c.pos
			if pos.StopOrderID != "" {
				if err := c.broker.CancelOrder(ctx, pos.StopOrderID); err != nil {
					c.logger.WarnContext(ctx, "resting stop cancel failed",
						slog.String("order_id", pos.StopOrderID), slog.String("error", err.Error()))
				}
				pos.StopOrderID = ""
			}
			c.finalizeClose(ctx, pos, 0, domain.CloseExternal)
		}
		return nil
	}

	// No local position: adopt any broker-side option position so a manual
	// or crash-orphaned trade comes back under stop management.
	for _, bp := range brokerPositions {
		if bp.NetQty == 0 || !isOptionSymbol(bp.Symbol) {
			continue
		}
		side := domain.SideBuy
		qty := bp.NetQty
		if qty < 0 {
			side = domain.SideSell
			qty = -qty
		}
		pos := &domain.Position{
			Symbol:     bp.Symbol,
			Token:      bp.Token,
			Leg:        legFromSymbol(bp.Symbol),
			Side:       side,
			Qty:        qty,
			EntryPrice: bp.AvgPrice,
			StopLoss:   adoptionStop(side, bp.AvgPrice, c.opts.FallbackStopPct),
			Status:     domain.PositionStatusOpen,
			OpenedAt:   time.Now(),
		}
		id, err := c.ledger.SaveTrade(ctx, ledgerEntryFrom(pos))
		if err != nil {
			c.logger.ErrorContext(ctx, "adopted position ledger save failed",
				slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
		} else {
			pos.TradeID = id
		}
		c.pos = pos
		c.state = StateOpen
		c.saveRecovery(*pos)

		c.logger.WarnContext(ctx, "adopted broker position",
			slog.String("symbol", pos.Symbol),
			slog.Int("qty", pos.Qty),
			slog.Float64("entry", pos.EntryPrice),
			slog.Float64("stop", pos.StopLoss))
		c.auditLog(ctx, "position_adopted", map[string]any{
			"symbol": pos.Symbol, "qty": pos.Qty, "entry": pos.EntryPrice,
		})
		break
	}
	return nil
}

// Restore re-arms the controller with a previously open position, typically
// the active ledger row found at startup. The local recovery hint, when it
// matches the same trade, contributes the trailing state the ledger row does
// not carry: peak profit, breakeven arming, target, and a fresher stop.
func (c *Controller) Restore(pos domain.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateNoPosition {
		return domain.ErrPositionOpen
	}
	if c.recovery != nil {
		if hint, err := c.recovery.Load(); err == nil && hint.Symbol == pos.Symbol {
			pos.PeakPnLPct = hint.PeakPnLPct
			pos.BreakevenArmed = hint.BreakevenArmed
			pos.TargetPrice = hint.TargetPrice
			if hint.StopLoss > pos.StopLoss {
				pos.StopLoss = hint.StopLoss
			}
		}
	}
	p := pos
	c.pos = &p
	c.state = StateOpen
	return nil
}

func ledgerEntryFrom(pos *domain.Position) domain.LedgerEntry {
	return domain.LedgerEntry{
		Symbol:     pos.Symbol,
		Token:      pos.Token,
		Leg:        pos.Leg,
		Side:       pos.Side,
		Qty:        pos.Qty,
		EntryPrice: pos.EntryPrice,
		StopPrice:  pos.StopLoss,
		Status:     domain.PositionStatusOpen,
	}
}

func netQty(positions []domain.BrokerPosition, symbol string) int {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.NetQty
		}
	}
	return 0
}

// isOptionSymbol recognizes exchange option symbols, which end in CE or PE.
func isOptionSymbol(symbol string) bool {
	return strings.HasSuffix(symbol, "CE") || strings.HasSuffix(symbol, "PE")
}

func legFromSymbol(symbol string) domain.Leg {
	if strings.HasSuffix(symbol, "PE") {
		return domain.LegPE
	}
	return domain.LegCE
}

func adoptionStop(side domain.Side, entry, pct float64) float64 {
	if pct <= 0 {
		return 0
	}
	if side == domain.SideSell {
		return roundPaisa(entry * (1 + pct))
	}
	return roundPaisa(entry * (1 - pct))
}

func (c *Controller) saveRecovery(pos domain.Position) {
	if c.recovery == nil {
		return
	}
	if err := c.recovery.Save(pos); err != nil {
		c.logger.Warn("recovery hint save failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) clearRecovery() {
	if c.recovery == nil {
		return
	}
	if err := c.recovery.Clear(); err != nil {
		c.logger.Warn("recovery hint clear failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

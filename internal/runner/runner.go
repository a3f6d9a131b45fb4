// Package runner drives the trading session: it evaluates the selected
// strategy driver on a polling cadence, admits entries through the
// gatekeeper, manages open positions via the position controllers, and
// reconciles against the broker in the background.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/notify"
	"github.com/alphadeck/optionsbot/internal/position"
	"github.com/alphadeck/optionsbot/internal/risk"
	"github.com/alphadeck/optionsbot/internal/strategy"
)

// ExpirySource yields the current tradable expiry for an underlying.
type ExpirySource interface {
	NearestExpiry(ctx context.Context, underlying string) (string, error)
}

// StaticExpiry is an ExpirySource returning a fixed expiry, used in paper
// mode and tests.
type StaticExpiry string

func (s StaticExpiry) NearestExpiry(context.Context, string) (string, error) {
	return string(s), nil
}

// Options holds the runner loop parameters.
type Options struct {
	Driver         string
	Underlying     string
	OptionExchange string
	SpotExchange   string
	SpotSymbol     string
	SpotToken      string
	StrikeStep     int
	PollInterval   time.Duration
	ReconcileEvery time.Duration
	MaxBlindTicks  int
	ReversalFlip   bool
	SquareOff      config.TimeOfDay
	StopTimeout    time.Duration
	MarginPerLot   float64
	MarginStraddle float64
	LockKey        string
	LockTTL        time.Duration
}

// Status is a point-in-time snapshot of the runner for the façade.
type Status struct {
	Running   bool              `json:"running"`
	Stopping  bool              `json:"stopping"`
	Driver    string            `json:"driver"`
	DailyPnL  float64           `json:"daily_pnl"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	Positions []domain.Position `json:"positions,omitempty"`
}

// Runner owns the session loop. One position controller per leg slot: slot 0
// carries directional trades and the straddle CE leg, slot 1 the straddle PE
// leg.
type Runner struct {
	drivers  *strategy.Registry
	legs     [2]*position.Controller
	straddle *strategy.StraddlePlanner
	resolver domain.ContractResolver
	expiries ExpirySource
	broker   domain.Broker
	gate     *risk.Gatekeeper
	ledger   domain.TradeLedger
	prices   domain.PriceCache
	bus      domain.SignalBus
	locks    domain.LockManager
	notifier *notify.Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu          sync.Mutex
	running     bool
	stopping    bool
	stopReq     bool
	startedAt   time.Time
	blind       int
	haltEntries bool
	cancel      context.CancelFunc
	done        chan struct{}
	unlock      func()
	kick        chan struct{}
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Drivers  *strategy.Registry
	Legs     [2]*position.Controller
	Straddle *strategy.StraddlePlanner
	Resolver domain.ContractResolver
	Expiries ExpirySource
	Broker   domain.Broker
	Gate     *risk.Gatekeeper
	Ledger   domain.TradeLedger
	Prices   domain.PriceCache
	Bus      domain.SignalBus
	Locks    domain.LockManager
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// New creates a Runner. It does not start trading; call Start.
func New(deps Deps, opts Options) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.ReconcileEvery <= 0 {
		opts.ReconcileEvery = 15 * time.Second
	}
	if opts.MaxBlindTicks <= 0 {
		opts.MaxBlindTicks = 3
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 8 * time.Hour
	}
	return &Runner{
		drivers:  deps.Drivers,
		legs:     deps.Legs,
		straddle: deps.Straddle,
		resolver: deps.Resolver,
		expiries: deps.Expiries,
		broker:   deps.Broker,
		gate:     deps.Gate,
		ledger:   deps.Ledger,
		prices:   deps.Prices,
		bus:      deps.Bus,
		locks:    deps.Locks,
		notifier: deps.Notifier,
		logger:   deps.Logger.With(slog.String("component", "runner")),
		opts:     opts,
		now:      time.Now,
	}
}

// Start begins a trading session with the named driver (empty means the
// configured default). It returns domain.ErrBotRunning if a session is
// already active and domain.ErrLockHeld if another instance holds the
// session lock.
func (r *Runner) Start(ctx context.Context, driverName string) error {
	if driverName == "" {
		driverName = r.opts.Driver
	}
	driver, err := r.drivers.Get(driverName)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return domain.ErrBotRunning
	}

	var unlock func()
	if r.locks != nil {
		unlock, err = r.locks.Acquire(ctx, r.opts.LockKey, r.opts.LockTTL)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("runner: acquire session lock: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.stopping = false
	r.stopReq = false
	r.haltEntries = false
	r.blind = 0
	r.startedAt = r.now()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.kick = make(chan struct{}, 1)
	r.unlock = unlock
	done := r.done
	kick := r.kick
	r.mu.Unlock()

	if err := r.recoverPositions(ctx); err != nil {
		r.logger.WarnContext(ctx, "position recovery failed", slog.String("error", err.Error()))
	}

	go func() {
		defer close(done)
		defer r.teardown()

		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error {
			// The reconcile loop only watches the context; cancel it when
			// the trading loop winds down so Wait can return.
			defer r.cancel()
			return r.loop(gctx, driver, kick)
		})
		g.Go(func() error { return r.reconcileLoop(gctx) })
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			r.logger.Error("session loop failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.InfoContext(ctx, "session started", slog.String("driver", driverName))
	r.publishEvent(ctx, "session_started", map[string]any{"driver": driverName})
	return nil
}

func (r *Runner) teardown() {
	r.mu.Lock()
	if r.unlock != nil {
		r.unlock()
		r.unlock = nil
	}
	r.cancel()
	r.running = false
	r.stopping = false
	r.mu.Unlock()
	r.logger.Info("session ended")
}

// Stop requests a graceful shutdown: any open position is closed with
// USER_STOPPED and the loop exits. If the session has not fully wound down
// within the stop timeout, Stop returns domain.ErrStillStopping while the
// shutdown continues in the background.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return domain.ErrBotStopped
	}
	r.stopReq = true
	r.stopping = true
	done := r.done
	kick := r.kick
	r.mu.Unlock()

	select {
	case kick <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.opts.StopTimeout):
		return domain.ErrStillStopping
	}
}

// Status returns a snapshot for the façade.
func (r *Runner) Status() Status {
	r.mu.Lock()
	running, stopping, startedAt := r.running, r.stopping, r.startedAt
	r.mu.Unlock()

	st := Status{
		Running:  running,
		Stopping: stopping,
		Driver:   r.opts.Driver,
		DailyPnL: r.gate.RealizedPnL(),
	}
	if running {
		t := startedAt
		st.StartedAt = &t
	}
	for _, leg := range r.activeLegs() {
		if pos := leg.Active(); pos != nil {
			st.Positions = append(st.Positions, *pos)
		}
	}
	return st
}

// ActivePositions returns snapshots of all open positions.
func (r *Runner) ActivePositions() []domain.Position {
	var out []domain.Position
	for _, leg := range r.activeLegs() {
		if pos := leg.Active(); pos != nil {
			out = append(out, *pos)
		}
	}
	return out
}

func (r *Runner) activeLegs() []*position.Controller {
	out := make([]*position.Controller, 0, 2)
	for _, leg := range r.legs {
		if leg != nil {
			out = append(out, leg)
		}
	}
	return out
}

func (r *Runner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReq
}

// recoverPositions re-arms the controllers with any trade the ledger still
// shows open from a previous run.
func (r *Runner) recoverPositions(ctx context.Context) error {
	open, err := r.ledger.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("runner: load open trades: %w", err)
	}
	for i, e := range open {
		if i >= len(r.legs) || r.legs[i] == nil {
			break
		}
		pos := domain.Position{
			TradeID:    e.ID,
			Symbol:     e.Symbol,
			Token:      e.Token,
			Leg:        e.Leg,
			Side:       e.Side,
			Qty:        e.Qty,
			EntryPrice: e.EntryPrice,
			StopLoss:   e.StopPrice,
			Status:     domain.PositionStatusOpen,
			OpenedAt:   e.CreatedAt,
		}
		if err := r.legs[i].Restore(pos); err != nil {
			r.logger.WarnContext(ctx, "restore skipped",
				slog.String("symbol", e.Symbol), slog.String("error", err.Error()))
			continue
		}
		r.logger.InfoContext(ctx, "position recovered",
			slog.String("symbol", e.Symbol),
			slog.Int64("trade_id", e.ID),
			slog.Float64("stop", e.StopPrice))
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, driver strategy.Driver, kick <-chan struct{}) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		finished := r.tick(ctx, driver)
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-kick:
		}
	}
}

func (r *Runner) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, leg := range r.activeLegs() {
				if err := leg.Reconcile(ctx); err != nil {
					r.logger.WarnContext(ctx, "reconcile failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// tick runs one decision cycle. It returns true when the session is done:
// every position is flat and either a stop was requested or the square-off
// time has passed.
func (r *Runner) tick(ctx context.Context, driver strategy.Driver) bool {
	now := r.now()
	pastCutoff := r.opts.SquareOff.Reached(now)
	stopReq := r.stopRequested()

	trend := domain.TrendNeutral
	var analysis domain.Analysis
	if !pastCutoff && !stopReq {
		var err error
		trend, analysis, err = driver.Evaluate(ctx, now)
		if err != nil {
			r.logger.WarnContext(ctx, "driver evaluation failed",
				slog.String("driver", driver.Name()), slog.String("error", err.Error()))
			trend = domain.TrendNeutral
		}
	}

	openLegs := r.manageOpen(ctx, now, trend, pastCutoff, stopReq)

	if openLegs == 0 && (stopReq || pastCutoff) {
		return true
	}
	if openLegs == 0 && !r.entriesHalted() {
		r.tryEnter(ctx, now, driver, trend, analysis)
	}
	return false
}

func (r *Runner) entriesHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haltEntries
}

// manageOpen updates stops and evaluates exits for every open leg. It
// returns the number of legs still open afterwards.
func (r *Runner) manageOpen(ctx context.Context, now time.Time, trend domain.Trend, pastCutoff, stopReq bool) int {
	var open int
	var unrealized float64
	type legTick struct {
		leg *position.Controller
		pos *domain.Position
		ltp float64
	}
	var ticks []legTick

	for _, leg := range r.activeLegs() {
		pos := leg.Active()
		if pos == nil {
			continue
		}
		open++

		ltp, err := r.broker.LTP(ctx, r.opts.OptionExchange, pos.Symbol, pos.Token)
		if err != nil {
			if r.blindTick(ctx) {
				open = r.exitAll(ctx, domain.CloseDataLoss)
				return open
			}
			continue
		}
		r.clearBlind()
		if err := r.prices.SetPrice(ctx, pos.Token, ltp, now); err != nil {
			r.logger.WarnContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
		unrealized += pos.PnLValue(ltp)
		ticks = append(ticks, legTick{leg: leg, pos: pos, ltp: ltp})
	}

	dailyOK, dailyReason := r.gate.CheckMaxDailyLoss(r.gate.RealizedPnL() + unrealized)
	if !dailyOK {
		r.logger.WarnContext(ctx, "daily loss circuit", slog.String("reason", dailyReason))
	}

	for _, t := range ticks {
		if _, err := t.leg.UpdateStop(ctx, t.ltp); err != nil {
			r.logger.WarnContext(ctx, "stop update failed", slog.String("error", err.Error()))
		}

		if t.pos.TargetPrice > 0 && t.ltp >= t.pos.TargetPrice {
			r.exitLeg(ctx, t.leg, domain.CloseTarget)
			open--
			continue
		}

		reason, should := t.leg.CheckExit(ctx, now, t.ltp, trend, dailyOK, pastCutoff, stopReq)
		if !should {
			continue
		}
		r.exitLeg(ctx, t.leg, reason)
		open--

		switch reason {
		case domain.CloseMaxDailyLoss:
			r.mu.Lock()
			r.haltEntries = true
			r.mu.Unlock()
			r.notify(ctx, notify.EventHalt, "Daily loss circuit",
				fmt.Sprintf("Trading halted: %s", dailyReason))
		case domain.CloseReversal:
			if r.opts.ReversalFlip && !stopReq && !pastCutoff {
				r.flipEntry(ctx, trend)
			}
		}
	}
	return open
}

func (r *Runner) blindTick(ctx context.Context) bool {
	r.mu.Lock()
	r.blind++
	blind := r.blind
	r.mu.Unlock()

	r.logger.WarnContext(ctx, "price feed blind tick",
		slog.Int("consecutive", blind), slog.Int("max", r.opts.MaxBlindTicks))
	if blind >= r.opts.MaxBlindTicks {
		r.mu.Lock()
		r.blind = 0
		r.mu.Unlock()
		r.notify(ctx, notify.EventHalt, "Data loss safety",
			fmt.Sprintf("Closing positions after %d blind ticks", blind))
		return true
	}
	return false
}

func (r *Runner) clearBlind() {
	r.mu.Lock()
	r.blind = 0
	r.mu.Unlock()
}

// exitAll closes every open leg and returns the number still open after the
// attempts (non-zero when an exit order failed and will be retried).
func (r *Runner) exitAll(ctx context.Context, reason domain.CloseReason) int {
	var open int
	for _, leg := range r.activeLegs() {
		if leg.Active() == nil {
			continue
		}
		r.exitLeg(ctx, leg, reason)
		if leg.Active() != nil {
			open++
		}
	}
	return open
}

func (r *Runner) exitLeg(ctx context.Context, leg *position.Controller, reason domain.CloseReason) {
	pos := leg.Active()
	if err := leg.Exit(ctx, reason); err != nil {
		r.logger.ErrorContext(ctx, "exit failed, will retry",
			slog.String("reason", string(reason)), slog.String("error", err.Error()))
		return
	}
	if pos != nil {
		closed := leg.LastClosed()
		msg := fmt.Sprintf("%s closed (%s)", pos.Symbol, reason)
		if closed != nil && closed.ExitPrice > 0 {
			msg = fmt.Sprintf("%s closed at %.2f (%s), P&L %.2f",
				pos.Symbol, closed.ExitPrice, reason, closed.PnLValue(closed.ExitPrice))
		}
		r.notify(ctx, notify.EventExit, "Position closed", msg)
		r.publishEvent(ctx, "position_closed", map[string]any{
			"symbol": pos.Symbol, "reason": string(reason),
		})
	}
}

// tryEnter evaluates the entry path for the tick: straddle mode opens both
// legs, directional mode opens the leg implied by the trend.
func (r *Runner) tryEnter(ctx context.Context, now time.Time, driver strategy.Driver, trend domain.Trend, analysis domain.Analysis) {
	if ok, _ := r.gate.IsMarketOpen(now); !ok {
		return
	}
	if blocked, _ := r.gate.IsBlackoutPeriod(now); blocked {
		return
	}

	if driver.Name() == "straddle" && r.straddle != nil {
		r.enterStraddle(ctx)
		return
	}

	leg, ok := trend.EntryLeg()
	if !ok {
		return
	}
	r.enterDirectional(ctx, leg, trend, analysis)
}

func (r *Runner) enterDirectional(ctx context.Context, leg domain.Leg, trend domain.Trend, analysis domain.Analysis) {
	if ok, reason := r.gate.CheckFunds(ctx, r.opts.MarginPerLot); !ok {
		r.logger.InfoContext(ctx, "entry blocked", slog.String("reason", reason))
		return
	}

	contract, err := r.resolveATM(ctx, leg)
	if err != nil {
		r.logger.WarnContext(ctx, "contract resolution failed", slog.String("error", err.Error()))
		return
	}

	qty := r.gate.SizedQuantity(ctx)
	pos, err := r.legs[0].Enter(ctx, contract, qty)
	if err != nil {
		r.logger.WarnContext(ctx, "entry failed",
			slog.String("symbol", contract.Symbol), slog.String("error", err.Error()))
		return
	}

	r.notify(ctx, notify.EventEntry, "Position opened",
		fmt.Sprintf("%s x%d at %.2f (%s)", pos.Symbol, pos.Qty, pos.EntryPrice, trend))
	r.publishEvent(ctx, "position_opened", map[string]any{
		"symbol": pos.Symbol, "qty": pos.Qty, "entry": pos.EntryPrice,
		"trend": string(trend), "analysis": analysis,
	})
}

func (r *Runner) enterStraddle(ctx context.Context) {
	if r.legs[1] == nil {
		r.logger.Error("straddle requires two leg controllers")
		return
	}
	if ok, reason := r.gate.CheckFunds(ctx, r.opts.MarginStraddle); !ok {
		r.logger.InfoContext(ctx, "straddle blocked", slog.String("reason", reason))
		return
	}

	expiry, err := r.expiries.NearestExpiry(ctx, r.opts.Underlying)
	if err != nil {
		r.logger.WarnContext(ctx, "expiry lookup failed", slog.String("error", err.Error()))
		return
	}
	plan, err := r.straddle.Plan(ctx, expiry)
	if err != nil {
		r.logger.WarnContext(ctx, "straddle planning failed", slog.String("error", err.Error()))
		return
	}

	qty := r.gate.SizedQuantity(ctx)
	cePos, err := r.legs[0].Enter(ctx, plan.CE.Contract, qty)
	if err != nil {
		r.logger.WarnContext(ctx, "straddle CE entry failed", slog.String("error", err.Error()))
		return
	}
	pePos, err := r.legs[1].Enter(ctx, plan.PE.Contract, qty)
	if err != nil {
		// One-legged straddle is pure direction risk; unwind the CE leg.
		r.logger.ErrorContext(ctx, "straddle PE entry failed, unwinding CE leg",
			slog.String("error", err.Error()))
		r.exitLeg(ctx, r.legs[0], domain.CloseExternal)
		return
	}

	if plan.TargetPct > 0 {
		for i, pos := range []*domain.Position{cePos, pePos} {
			if err := r.legs[i].ArmTarget(pos.EntryPrice * (1 + plan.TargetPct)); err != nil {
				r.logger.WarnContext(ctx, "target arm failed",
					slog.String("symbol", pos.Symbol), slog.String("error", err.Error()))
			}
		}
	}

	r.notify(ctx, notify.EventEntry, "Straddle opened",
		fmt.Sprintf("%d strike: CE %.2f / PE %.2f x%d", plan.Strike, cePos.EntryPrice, pePos.EntryPrice, qty))
	r.publishEvent(ctx, "straddle_opened", map[string]any{
		"strike": plan.Strike, "ce": cePos.Symbol, "pe": pePos.Symbol, "qty": qty,
	})
}

// flipEntry re-enters in the direction of the new trend right after a
// reversal exit.
func (r *Runner) flipEntry(ctx context.Context, trend domain.Trend) {
	leg, ok := trend.EntryLeg()
	if !ok {
		return
	}
	r.logger.InfoContext(ctx, "reversal flip", slog.String("new_leg", string(leg)))
	r.enterDirectional(ctx, leg, trend, nil)
}

func (r *Runner) resolveATM(ctx context.Context, leg domain.Leg) (domain.Contract, error) {
	spot, err := r.broker.LTP(ctx, r.opts.SpotExchange, r.opts.SpotSymbol, r.opts.SpotToken)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("runner: spot quote: %w", err)
	}
	expiry, err := r.expiries.NearestExpiry(ctx, r.opts.Underlying)
	if err != nil {
		return domain.Contract{}, err
	}
	strike := domain.ATMStrike(spot, r.opts.StrikeStep)
	return r.resolver.Resolve(ctx, r.opts.Underlying, expiry, strike, leg)
}

func (r *Runner) notify(ctx context.Context, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) publishEvent(ctx context.Context, event string, detail map[string]any) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":  event,
		"detail": detail,
		"ts":     r.now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, "events:trades", payload); err != nil {
		r.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

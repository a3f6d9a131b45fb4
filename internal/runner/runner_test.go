package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/position"
	"github.com/alphadeck/optionsbot/internal/risk"
	"github.com/alphadeck/optionsbot/internal/strategy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedger is an in-memory TradeLedger for runner tests.
type memLedger struct {
	mu   sync.Mutex
	seq  int64
	rows map[int64]*domain.LedgerEntry
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[int64]*domain.LedgerEntry)}
}

func (m *memLedger) SaveTrade(_ context.Context, e domain.LedgerEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.ID = m.seq
	e.CreatedAt = time.Now()
	m.rows[e.ID] = &e
	return e.ID, nil
}

func (m *memLedger) UpdateStop(_ context.Context, id int64, stop float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[id]; ok {
		row.StopPrice = stop
		return nil
	}
	return domain.ErrNotFound
}

func (m *memLedger) CloseTrade(_ context.Context, id int64, exitPrice float64, reason domain.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	row.Status = domain.PositionStatusClosed
	row.CloseReason = reason
	row.ExitPrice = exitPrice
	row.ClosedAt = &now
	return nil
}

func (m *memLedger) CloseBySymbol(_ context.Context, _ string, _ domain.CloseReason) error {
	return nil
}

func (m *memLedger) ActiveTrade(context.Context) (domain.LedgerEntry, error) {
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (m *memLedger) OpenTrades(context.Context) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, row := range m.rows {
		if row.Status == domain.PositionStatusOpen {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memLedger) History(context.Context, domain.ListOpts) ([]domain.LedgerEntry, error) {
	return nil, nil
}

// memPrices is an in-memory PriceCache.
type memPrices struct {
	mu   sync.Mutex
	last map[string]float64
}

func newMemPrices() *memPrices { return &memPrices{last: make(map[string]float64)} }

func (m *memPrices) SetPrice(_ context.Context, token string, price float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[token] = price
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, token string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.last[token]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

// stubDriver returns a fixed trend.
type stubDriver struct {
	name  string
	trend domain.Trend
}

func (d stubDriver) Name() string { return d.name }

func (d stubDriver) Evaluate(context.Context, time.Time) (domain.Trend, domain.Analysis, error) {
	return d.trend, nil, nil
}

type fixture struct {
	broker *sim.Broker
	ledger *memLedger
	gate   *risk.Gatekeeper
	runner *Runner
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newFixturePolicy(t, opts, func() position.StopPolicy {
		return &position.FixedPercentStop{Pct: 0.10}
	})
}

func newFixturePolicy(t *testing.T, opts Options, newPolicy func() position.StopPolicy) *fixture {
	t.Helper()

	broker := sim.New(1_000_000)
	ledger := newMemLedger()
	gate := risk.New(broker, nil, risk.Options{
		SessionStart:   config.TimeOfDay{Hour: 0, Minute: 0},
		SessionEnd:     config.TimeOfDay{Hour: 23, Minute: 59},
		BlackoutStart:  config.TimeOfDay{Hour: 4, Minute: 0},
		BlackoutEnd:    config.TimeOfDay{Hour: 4, Minute: 1},
		MarginBuffer:   0.10,
		MarginCacheTTL: time.Nanosecond,
		MaxDailyLoss:   -2000,
		VIXThreshold:   15,
		VIXToken:       "VIX",
		LotSize:        65,
		VIXFailOpen:    true,
	}, testLogger())

	newLeg := func() *position.Controller {
		return position.NewController(broker, ledger, nil, gate,
			newPolicy(), nil,
			position.Options{
				Exchange:        "NFO",
				FallbackStopPct: 0.10,
				FillTimeout:     time.Second,
				FillPollEvery:   time.Millisecond,
			}, testLogger())
	}
	legs := [2]*position.Controller{newLeg(), newLeg()}

	drivers := strategy.NewRegistry()
	drivers.Register(stubDriver{name: "stub", trend: domain.TrendNeutral})

	feed := strategy.NewFeed(broker, "NSE", "99926000", 9, 15)
	straddle := strategy.NewStraddlePlanner(feed, sim.Resolver{},
		"NIFTY", "Nifty 50", "NFO", 50, 0.10, 0.20)

	if opts.Driver == "" {
		opts.Driver = "stub"
	}
	if opts.SquareOff.Hour == 0 && opts.SquareOff.Minute == 0 {
		opts.SquareOff = config.TimeOfDay{Hour: 23, Minute: 59}
	}

	r := New(Deps{
		Drivers:  drivers,
		Legs:     legs,
		Straddle: straddle,
		Resolver: sim.Resolver{},
		Expiries: StaticExpiry("30SEP25"),
		Broker:   broker,
		Gate:     gate,
		Ledger:   ledger,
		Prices:   newMemPrices(),
		Logger:   testLogger(),
	}, opts)

	return &fixture{broker: broker, ledger: ledger, gate: gate, runner: r}
}

func openLeg(t *testing.T, f *fixture, slot int) *domain.Position {
	t.Helper()
	contract := domain.Contract{
		Token:  "SIM24000CE",
		Symbol: "NIFTY30SEP2524000CE",
		Strike: 24000,
		Leg:    domain.LegCE,
	}
	f.broker.SetPrice(contract.Token, 100)
	pos, err := f.runner.legs[slot].Enter(context.Background(), contract, 65)
	require.NoError(t, err)
	return pos
}

func TestBlindTicksForceDataLossExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	pos := openLeg(t, f, 0)

	f.broker.FailQuotes(pos.Token, errors.New("feed down"))

	now := time.Now()
	// Two blind ticks are tolerated.
	for i := 0; i < 2; i++ {
		open := f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
		assert.Equal(t, 1, open, "position survives blind tick %d", i+1)
	}

	// The third consecutive failure trips the safety exit. The closing market
	// order still fills because the simulator's last price is intact.
	open := f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
	assert.Equal(t, 0, open)

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseDataLoss, closed.Reason)
}

func TestQuoteRecoveryResetsBlindCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	pos := openLeg(t, f, 0)

	now := time.Now()
	f.broker.FailQuotes(pos.Token, errors.New("feed down"))
	f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
	f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)

	// One good quote resets the counter; two more failures stay below the cap.
	f.broker.FailQuotes(pos.Token, nil)
	f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)

	f.broker.FailQuotes(pos.Token, errors.New("feed down"))
	f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
	open := f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
	assert.Equal(t, 1, open, "counter restarted after the good quote")
	assert.Nil(t, f.runner.legs[0].LastClosed())
}

func TestDailyLossCircuitClosesAndHalts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	pos := openLeg(t, f, 0)

	// 65 * (60 - 100) = -2600, through the -2000 floor.
	f.broker.SetPrice(pos.Token, 60)

	open := f.runner.manageOpen(ctx, time.Now(), domain.TrendNeutral, false, false)
	assert.Equal(t, 0, open)

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	// The fixed stop at 90 is breached first; breach outranks the circuit.
	assert.Equal(t, domain.CloseStopLoss, closed.Reason)
}

func TestReversalClosesOpposedLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	pos := openLeg(t, f, 0)
	f.broker.SetPrice(pos.Token, 100)

	open := f.runner.manageOpen(ctx, time.Now(), domain.TrendBearish, false, false)
	assert.Equal(t, 0, open)

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseReversal, closed.Reason)
}

func TestTargetExitForArmedLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	pos := openLeg(t, f, 0)
	require.NoError(t, f.runner.legs[0].ArmTarget(pos.EntryPrice*1.20))

	// Below the target the leg stays open.
	f.broker.SetPrice(pos.Token, 119)
	open := f.runner.manageOpen(ctx, time.Now(), domain.TrendNeutral, false, false)
	assert.Equal(t, 1, open)

	f.broker.SetPrice(pos.Token, 121)
	open = f.runner.manageOpen(ctx, time.Now(), domain.TrendNeutral, false, false)
	assert.Equal(t, 0, open)

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseTarget, closed.Reason)
}

func TestDirectionalLegHasNoProfitTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixturePolicy(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute},
		func() position.StopPolicy {
			return &position.BreakevenTrailStop{ArmPct: 0.10, TrailPct: 0.10}
		})
	pos := openLeg(t, f, 0)

	// A directional trade rides its trailing stop through +22% unrealized.
	now := time.Now()
	for _, ltp := range []float64{105, 110, 115, 122} {
		f.broker.SetPrice(pos.Token, ltp)
		open := f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
		require.Equal(t, 1, open, "no exit at ltp %.0f", ltp)
	}
	require.Nil(t, f.runner.legs[0].LastClosed())

	active := f.runner.legs[0].Active()
	require.NotNil(t, active)
	assert.Equal(t, 112.0, active.StopLoss, "trail follows the peak")

	// The pullback exits on the trailed stop, not a profit target.
	f.broker.SetPrice(pos.Token, 110)
	open := f.runner.manageOpen(ctx, now, domain.TrendNeutral, false, false)
	assert.Equal(t, 0, open)

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseTrailingStop, closed.Reason)
}

func TestStraddleEntryArmsPerLegTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxBlindTicks: 3, PollInterval: time.Minute})
	f.broker.SetPrice("99926000", 24012)
	f.broker.SetPrice("SIM24000CE", 120)
	f.broker.SetPrice("SIM24000PE", 110)

	f.runner.enterStraddle(ctx)

	ce := f.runner.legs[0].Active()
	pe := f.runner.legs[1].Active()
	require.NotNil(t, ce)
	require.NotNil(t, pe)
	assert.Equal(t, 144.0, ce.TargetPrice)
	assert.Equal(t, 132.0, pe.TargetPrice)
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{
		PollInterval:  10 * time.Millisecond,
		MaxBlindTicks: 3,
		StopTimeout:   2 * time.Second,
	})

	require.NoError(t, f.runner.Start(ctx, "stub"))
	assert.True(t, f.runner.Status().Running)

	err := f.runner.Start(ctx, "stub")
	assert.ErrorIs(t, err, domain.ErrBotRunning)

	require.NoError(t, f.runner.Stop(ctx))
	assert.Eventually(t, func() bool { return !f.runner.Status().Running },
		time.Second, 10*time.Millisecond)

	err = f.runner.Stop(ctx)
	assert.ErrorIs(t, err, domain.ErrBotStopped)
}

func TestStopClosesOpenPositionAsUserStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{
		PollInterval:  10 * time.Millisecond,
		MaxBlindTicks: 3,
		StopTimeout:   2 * time.Second,
	})
	pos := openLeg(t, f, 0)

	require.NoError(t, f.runner.Start(ctx, "stub"))
	require.NoError(t, f.runner.Stop(ctx))

	closed := f.runner.legs[0].LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseUserStopped, closed.Reason)
	assert.Equal(t, pos.Symbol, closed.Symbol)
}

func TestStartUnknownDriver(t *testing.T) {
	f := newFixture(t, Options{PollInterval: time.Minute, MaxBlindTicks: 3})
	err := f.runner.Start(context.Background(), "no_such_driver")
	assert.Error(t, err)
	assert.False(t, f.runner.Status().Running)
}

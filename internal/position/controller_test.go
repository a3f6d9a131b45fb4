package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedger is an in-memory TradeLedger for controller tests.
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
	row, ok := m.rows[id]
	if !ok || row.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	row.StopPrice = stop
	return nil
}

func (m *memLedger) CloseTrade(_ context.Context, id int64, exitPrice float64, reason domain.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	now := time.Now()
	row.Status = domain.PositionStatusClosed
	row.CloseReason = reason
	row.ExitPrice = exitPrice
	row.ClosedAt = &now
	return nil
}

func (m *memLedger) CloseBySymbol(_ context.Context, symbol string, reason domain.CloseReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, row := range m.rows {
		if row.Symbol == symbol && row.Status == domain.PositionStatusOpen {
			row.Status = domain.PositionStatusClosed
			row.CloseReason = reason
			row.ClosedAt = &now
		}
	}
	return nil
}

func (m *memLedger) ActiveTrade(context.Context) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Status == domain.PositionStatusOpen {
			return *row, nil
		}
	}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, row := range m.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (m *memLedger) row(id int64) domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// openGate is an Admission stub that approves everything by default.
type openGate struct {
	denyMargin    bool
	denySentiment bool
	realized      float64
}

func (g *openGate) CheckNoOpenOrders(context.Context, string) (bool, string) {
	return true, "ok"
}

func (g *openGate) CheckTradeMargin(context.Context, float64) (bool, string) {
	if g.denyMargin {
		return false, "insufficient margin"
	}
	return true, "ok"
}

func (g *openGate) CheckSentimentRisk(context.Context, domain.Trend) (bool, string) {
	if g.denySentiment {
		return false, "sentiment veto"
	}
	return true, "ok"
}

func (g *openGate) AddRealizedPnL(delta float64) { g.realized += delta }

// flakyBroker lets tests inject order placement failures on top of the
// simulator.
type flakyBroker struct {
	*sim.Broker
	failPlace error
}

func (b *flakyBroker) PlaceOrder(ctx context.Context, params domain.OrderParams) (string, error) {
	if b.failPlace != nil {
		return "", b.failPlace
	}
	return b.Broker.PlaceOrder(ctx, params)
}

func testContract() domain.Contract {
	return domain.Contract{
		Token:  "SIM24000CE",
		Symbol: "NIFTY30SEP2524000CE",
		Strike: 24000,
		Leg:    domain.LegCE,
		Expiry: "30SEP25",
	}
}

func newTestController(b domain.Broker, ledger domain.TradeLedger, gate Admission, policy StopPolicy) *Controller {
	return NewController(b, ledger, nil, gate, policy, nil, Options{
		Exchange:        "NFO",
		FallbackStopPct: 0.10,
		FillTimeout:     time.Second,
		FillPollEvery:   time.Millisecond,
	}, testLogger())
}

func TestEnterOpensPosition(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	ledger := newMemLedger()
	c := newTestController(broker, ledger, &openGate{}, &FixedPercentStop{Pct: 0.10})

	pos, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 90.0, pos.StopLoss)
	assert.Equal(t, 65, pos.Qty)

	row := ledger.row(pos.TradeID)
	assert.Equal(t, domain.PositionStatusOpen, row.Status)
	assert.Equal(t, contract.Symbol, row.Symbol)
}

func TestEnterRefusesSecondPosition(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})

	_, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	_, err = c.Enter(ctx, contract, 65)
	assert.ErrorIs(t, err, domain.ErrPositionOpen)
}

func TestEnterFailsClosedOnMargin(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{denyMargin: true}, &FixedPercentStop{Pct: 0.10})

	_, err := c.Enter(ctx, contract, 65)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, StateNoPosition, c.State(), "failed entry returns to flat")
	assert.Nil(t, c.Active())
}

func TestEnterVetoedBySentiment(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{denySentiment: true}, &FixedPercentStop{Pct: 0.10})

	_, err := c.Enter(ctx, contract, 65)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Equal(t, StateNoPosition, c.State())
}

func TestExitClosesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	ledger := newMemLedger()
	gate := &openGate{}
	c := newTestController(broker, ledger, gate, &FixedPercentStop{Pct: 0.10})

	pos, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	broker.SetPrice(contract.Token, 110)
	require.NoError(t, c.Exit(ctx, domain.CloseTimeExit))
	assert.Equal(t, StateNoPosition, c.State())

	closed := c.LastClosed()
	require.NotNil(t, closed)
	assert.Equal(t, domain.CloseTimeExit, closed.Reason)
	assert.Equal(t, 110.0, closed.ExitPrice)

	row := ledger.row(pos.TradeID)
	assert.Equal(t, domain.PositionStatusClosed, row.Status)
	assert.Equal(t, domain.CloseTimeExit, row.CloseReason)

	assert.InDelta(t, 650.0, gate.realized, 1e-9, "realized P&L flows to the day accumulator")

	// A second exit must not place another order.
	before, err := broker.OrderBook(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Exit(ctx, domain.CloseStopLoss))
	after, err := broker.OrderBook(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no duplicate closing order")
}

func TestExitRetriesAfterPlacementFailure(t *testing.T) {
	ctx := context.Background()
	inner := sim.New(100000)
	broker := &flakyBroker{Broker: inner}
	contract := testContract()
	inner.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})

	_, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	broker.failPlace = errors.New("gateway timeout")
	err = c.Exit(ctx, domain.CloseStopLoss)
	require.Error(t, err)
	assert.Equal(t, StateExitPending, c.State(), "still holding after a failed close order")

	broker.failPlace = nil
	require.NoError(t, c.Exit(ctx, domain.CloseStopLoss))
	assert.Equal(t, StateNoPosition, c.State())
	require.NotNil(t, c.LastClosed())
	assert.Equal(t, domain.CloseStopLoss, c.LastClosed().Reason)
}

func TestUpdateStopRatchetsAndDetectsBreach(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{},
		&BreakevenTrailStop{ArmPct: 0.10, TrailPct: 0.10})

	_, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	breached, err := c.UpdateStop(ctx, 110)
	require.NoError(t, err)
	assert.False(t, breached)
	assert.Equal(t, 100.0, c.Active().StopLoss)

	breached, err = c.UpdateStop(ctx, 122)
	require.NoError(t, err)
	assert.False(t, breached)
	assert.Equal(t, 112.0, c.Active().StopLoss)

	breached, err = c.UpdateStop(ctx, 110)
	require.NoError(t, err)
	assert.True(t, breached, "price at or below the stop must breach")
	assert.Equal(t, 112.0, c.Active().StopLoss, "a breach never lowers the stop")
}

func TestCheckExitPriority(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})
	_, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	now := time.Now()

	// Stop breach outranks everything else.
	reason, should := c.CheckExit(ctx, now, 85, domain.TrendBearish, false, true, true)
	assert.True(t, should)
	assert.Equal(t, domain.CloseStopLoss, reason)

	reason, should = c.CheckExit(ctx, now, 100, domain.TrendBearish, false, true, true)
	assert.True(t, should)
	assert.Equal(t, domain.CloseMaxDailyLoss, reason)

	reason, should = c.CheckExit(ctx, now, 100, domain.TrendBearish, true, true, true)
	assert.True(t, should)
	assert.Equal(t, domain.CloseReversal, reason, "bearish trend opposes a held CE")

	reason, should = c.CheckExit(ctx, now, 100, domain.TrendBullish, true, true, true)
	assert.True(t, should)
	assert.Equal(t, domain.CloseTimeExit, reason)

	reason, should = c.CheckExit(ctx, now, 100, domain.TrendBullish, true, false, true)
	assert.True(t, should)
	assert.Equal(t, domain.CloseUserStopped, reason)

	_, should = c.CheckExit(ctx, now, 100, domain.TrendBullish, true, false, false)
	assert.False(t, should)
}

func TestReconcileAdoptsExternalClose(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)

	ledger := newMemLedger()
	c := newTestController(broker, ledger, &openGate{}, &FixedPercentStop{Pct: 0.10})

	pos, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)

	// Someone squares off the position from the broker terminal.
	broker.ErasePosition(contract.Symbol)

	require.NoError(t, c.Reconcile(ctx))
	assert.Equal(t, StateNoPosition, c.State())
	require.NotNil(t, c.LastClosed())
	assert.Equal(t, domain.CloseExternal, c.LastClosed().Reason)
	assert.Equal(t, domain.PositionStatusClosed, ledger.row(pos.TradeID).Status)
}

func TestReconcileAdoptsBrokerPosition(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)

	ledger := newMemLedger()
	c := newTestController(broker, ledger, &openGate{}, &FixedPercentStop{Pct: 0.10})

	// A manual trade exists on the broker that the bot knows nothing about.
	broker.InjectPosition(domain.BrokerPosition{
		Symbol:   "NIFTY30SEP2524100PE",
		Token:    "SIM24100PE",
		NetQty:   65,
		AvgPrice: 80,
	})

	require.NoError(t, c.Reconcile(ctx))
	assert.Equal(t, StateOpen, c.State())

	adopted := c.Active()
	require.NotNil(t, adopted)
	assert.Equal(t, domain.LegPE, adopted.Leg)
	assert.Equal(t, 65, adopted.Qty)
	assert.Equal(t, 80.0, adopted.EntryPrice)
	assert.Equal(t, 72.0, adopted.StopLoss, "adopted position gets the fallback stop")
	assert.NotZero(t, adopted.TradeID, "adoption writes a ledger row")
}

func TestReconcileIgnoresNonOptionPositions(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)

	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})

	broker.InjectPosition(domain.BrokerPosition{
		Symbol:   "RELIANCE-EQ",
		Token:    "2885",
		NetQty:   10,
		AvgPrice: 2900,
	})

	require.NoError(t, c.Reconcile(ctx))
	assert.Equal(t, StateNoPosition, c.State())
	assert.Nil(t, c.Active())
}

func TestRestore(t *testing.T) {
	broker := sim.New(100000)
	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})

	pos := domain.Position{
		TradeID:    7,
		Symbol:     "NIFTY30SEP2524000CE",
		Token:      "SIM24000CE",
		Leg:        domain.LegCE,
		Side:       domain.SideBuy,
		Qty:        65,
		EntryPrice: 100,
		StopLoss:   95,
		Status:     domain.PositionStatusOpen,
	}
	require.NoError(t, c.Restore(pos))
	assert.Equal(t, StateOpen, c.State())

	err := c.Restore(pos)
	assert.ErrorIs(t, err, domain.ErrPositionOpen)
}

func TestRestoreMergesRecoveryHint(t *testing.T) {
	broker := sim.New(100000)
	rf := journal.NewRecoveryFile(filepath.Join(t.TempDir(), "recovery.json"))
	c := NewController(broker, newMemLedger(), nil, &openGate{},
		&BreakevenTrailStop{ArmPct: 0.10, TrailPct: 0.10}, rf, Options{
			Exchange:        "NFO",
			FallbackStopPct: 0.10,
			FillTimeout:     time.Second,
			FillPollEvery:   time.Millisecond,
		}, testLogger())

	// The hint file holds the trailing state the ledger row lacks.
	require.NoError(t, rf.Save(domain.Position{
		Symbol:         "NIFTY30SEP2524000CE",
		StopLoss:       112,
		TargetPrice:    120,
		PeakPnLPct:     0.22,
		BreakevenArmed: true,
	}))

	require.NoError(t, c.Restore(domain.Position{
		TradeID:    7,
		Symbol:     "NIFTY30SEP2524000CE",
		Token:      "SIM24000CE",
		Leg:        domain.LegCE,
		Side:       domain.SideBuy,
		Qty:        65,
		EntryPrice: 100,
		StopLoss:   95,
		Status:     domain.PositionStatusOpen,
	}))

	active := c.Active()
	require.NotNil(t, active)
	assert.Equal(t, 112.0, active.StopLoss, "hint stop is fresher than the ledger stop")
	assert.Equal(t, 120.0, active.TargetPrice)
	assert.InDelta(t, 0.22, active.PeakPnLPct, 1e-9)
	assert.True(t, active.BreakevenArmed)
}

func TestRestoreIgnoresForeignRecoveryHint(t *testing.T) {
	broker := sim.New(100000)
	rf := journal.NewRecoveryFile(filepath.Join(t.TempDir(), "recovery.json"))
	c := NewController(broker, newMemLedger(), nil, &openGate{},
		&FixedPercentStop{Pct: 0.10}, rf, Options{
			Exchange:        "NFO",
			FallbackStopPct: 0.10,
			FillTimeout:     time.Second,
			FillPollEvery:   time.Millisecond,
		}, testLogger())

	require.NoError(t, rf.Save(domain.Position{Symbol: "NIFTY30SEP2523800PE", StopLoss: 140}))

	require.NoError(t, c.Restore(domain.Position{
		Symbol:     "NIFTY30SEP2524000CE",
		Token:      "SIM24000CE",
		Side:       domain.SideBuy,
		Qty:        65,
		EntryPrice: 100,
		StopLoss:   95,
		Status:     domain.PositionStatusOpen,
	}))

	active := c.Active()
	require.NotNil(t, active)
	assert.Equal(t, 95.0, active.StopLoss, "hint for another symbol is ignored")
	assert.Zero(t, active.TargetPrice)
}

func TestArmTarget(t *testing.T) {
	ctx := context.Background()
	broker := sim.New(100000)
	contract := testContract()
	broker.SetPrice(contract.Token, 100)
	c := newTestController(broker, newMemLedger(), &openGate{}, &FixedPercentStop{Pct: 0.10})

	err := c.ArmTarget(120)
	assert.ErrorIs(t, err, domain.ErrNoPosition)

	pos, err := c.Enter(ctx, contract, 65)
	require.NoError(t, err)
	require.NoError(t, c.ArmTarget(pos.EntryPrice*1.20))

	active := c.Active()
	require.NotNil(t, active)
	assert.Equal(t, 120.0, active.TargetPrice)
}

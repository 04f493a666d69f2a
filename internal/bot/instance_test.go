package bot

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/exchange"
	"martingale-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockExchange is a hand-written exchange.Client with scriptable prices and failures.
type mockExchange struct {
	sync.Mutex
	prices      map[string]float64
	priceErrs   map[string]error
	balance     float64
	balanceErrs []error // consumed one per GetBalance call
	orderErr    error
	orders      []models.Side
	orderSyms   []string
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		prices:    make(map[string]float64),
		priceErrs: make(map[string]error),
		balance:   1000,
	}
}

func (m *mockExchange) setPrice(symbol string, price float64) {
	m.Lock()
	defer m.Unlock()
	m.prices[symbol] = price
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.priceErrs[symbol]; err != nil {
		return 0, err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, exchange.ErrPriceUnavailable
	}
	return p, nil
}

func (m *mockExchange) GetBalance(ctx context.Context) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if len(m.balanceErrs) > 0 {
		err := m.balanceErrs[0]
		m.balanceErrs = m.balanceErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return m.balance, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64, reduceOnly bool) (*models.OrderResult, error) {
	m.Lock()
	defer m.Unlock()
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	m.orders = append(m.orders, side)
	m.orderSyms = append(m.orderSyms, symbol)
	return &models.OrderResult{OrderID: "42", Symbol: symbol, Side: side, Filled: true, ExecutedQty: size}, nil
}

func (m *mockExchange) orderCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.orders)
}

func (m *mockExchange) orderedSymbols() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.orderSyms...)
}

// recordingSink collects published events.
type recordingSink struct {
	sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(t events.Type) []events.Event {
	r.Lock()
	defer r.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testSpec(symbols ...string) models.BotSpec {
	cfg := models.MartingaleConfig{
		Leverage:             25,
		TakeProfitPct:        0.56,
		MarginSequence:       []float64{0.20, 0.27, 0.36},
		MartingaleTriggerPct: 1.1,
		MaxPositions:         2,
	}
	if len(symbols) < cfg.MaxPositions {
		cfg.MaxPositions = len(symbols)
	}
	return models.BotSpec{
		ID:      uuid.New(),
		UserID:  "user-1",
		Name:    "test-bot",
		Symbols: symbols,
		Config:  cfg,
	}
}

func newTestInstance(t *testing.T, spec models.BotSpec, engine models.EngineConfig) (*Instance, *mockExchange, *recordingSink) {
	t.Helper()
	ex := newMockExchange()
	sink := &recordingSink{}
	inst, err := New(spec, ex, engine, sink, zap.NewNop())
	require.NoError(t, err)
	return inst, ex, sink
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testSpec(), newMockExchange(), models.EngineConfig{}, nil, zap.NewNop())
	assert.Error(t, err)

	spec := testSpec("BTCUSDT")
	spec.Config.MaxPositions = 2
	_, err = New(spec, newMockExchange(), models.EngineConfig{}, nil, zap.NewNop())
	assert.Error(t, err, "max positions above symbol count")

	spec = testSpec("BTCUSDT")
	spec.Config.MarginSequence = nil
	_, err = New(spec, newMockExchange(), models.EngineConfig{}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunOnce_MaxPositionsBlocksFurtherEntries(t *testing.T) {
	ctx := context.Background()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}
	inst, ex, sink := newTestInstance(t, testSpec(symbols...), models.EngineConfig{})
	for _, s := range symbols {
		ex.setPrice(s, 100)
	}

	for k := 0; k < 4; k++ {
		require.NoError(t, inst.RunOnce(ctx))
	}

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ex.orderedSymbols(), "one entry per iteration, capped at two")
	assert.Len(t, sink.ofType(events.TradeOpened), 2)
	snap := inst.Snapshot()
	assert.Equal(t, 2, snap.Active)
	assert.False(t, snap.Symbols[2].State.IsActive)
	assert.False(t, snap.Symbols[3].State.IsActive)
}

func TestRunOnce_TakeProfitBeforeAddLevel(t *testing.T) {
	ctx := context.Background()
	inst, ex, sink := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})
	ex.setPrice("BTCUSDT", 100)
	require.NoError(t, inst.RunOnce(ctx))
	require.Len(t, sink.ofType(events.TradeOpened), 1)

	ex.setPrice("BTCUSDT", 98.9)
	require.NoError(t, inst.RunOnce(ctx))
	added := sink.ofType(events.MartingaleAdded)
	require.Len(t, added, 1)
	p := added[0].Payload.(events.MartingaleAddedPayload)
	assert.Equal(t, 1, p.Step)
	assert.Equal(t, 0.0683, p.Contracts)

	avg := inst.Snapshot().Symbols[0].AvgEntry
	ex.setPrice("BTCUSDT", avg*1.006)
	require.NoError(t, inst.RunOnce(ctx))

	closed := sink.ofType(events.PositionClosed)
	require.Len(t, closed, 1)
	cp := closed[0].Payload.(events.PositionClosedPayload)
	assert.Equal(t, "BTCUSDT", cp.Symbol)
	assert.Equal(t, 2, cp.Levels)
	assert.InDelta(t, 0.6, cp.ProfitPct, 1e-6)
	assert.InDelta(t, 15, cp.MarginReturn, 1e-4)
	assert.Equal(t, "user-1", closed[0].UserID)
	assert.Equal(t, inst.ID(), closed[0].BotID)

	// the close leaves the symbol idle; the slot is refilled on the next iteration
	assert.False(t, inst.Snapshot().Symbols[0].State.IsActive)
	assert.Equal(t, 3, ex.orderCount())
	require.NoError(t, inst.RunOnce(ctx))
	assert.Len(t, sink.ofType(events.TradeOpened), 2)
}

func TestRunOnce_ClosedSymbolIsNotReenteredInSameIteration(t *testing.T) {
	ctx := context.Background()
	spec := testSpec("BTCUSDT", "ETHUSDT")
	spec.Config.MaxPositions = 1
	inst, ex, sink := newTestInstance(t, spec, models.EngineConfig{})
	ex.setPrice("BTCUSDT", 100)
	ex.setPrice("ETHUSDT", 100)
	require.NoError(t, inst.RunOnce(ctx))
	require.Equal(t, []string{"BTCUSDT"}, ex.orderedSymbols())

	// BTCUSDT closes for profit; the freed slot goes to the other symbol
	ex.setPrice("BTCUSDT", 101)
	require.NoError(t, inst.RunOnce(ctx))
	require.Len(t, sink.ofType(events.PositionClosed), 1)
	assert.Equal(t, []string{"BTCUSDT", "BTCUSDT", "ETHUSDT"}, ex.orderedSymbols())

	snap := inst.Snapshot()
	assert.False(t, snap.Symbols[0].State.IsActive)
	assert.True(t, snap.Symbols[1].State.IsActive)
}

func TestRunOnce_RejectsNonFinitePrice(t *testing.T) {
	ctx := context.Background()
	inst, ex, sink := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})

	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0} {
		ex.setPrice("BTCUSDT", price)
		require.NoError(t, inst.RunOnce(ctx))
	}
	assert.Zero(t, ex.orderCount())
	assert.Len(t, sink.ofType(events.Error), 4)
	assert.False(t, inst.Snapshot().Symbols[0].State.IsActive)
}

func TestRunOnce_MinimumBalanceIsFatal(t *testing.T) {
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})
	ex.balance = 14.99
	ex.setPrice("BTCUSDT", 100)

	err := inst.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, ex.orderCount())
}

func TestRunOnce_BalanceFailureLimit(t *testing.T) {
	ctx := context.Background()
	inst, ex, sink := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{BalanceFailureLimit: 3})
	ex.setPrice("BTCUSDT", 100)
	failure := exchange.ErrBalanceUnavailable
	ex.balanceErrs = []error{failure, failure, nil, failure, failure, failure}

	require.NoError(t, inst.RunOnce(ctx))
	require.NoError(t, inst.RunOnce(ctx))
	assert.Zero(t, ex.orderCount(), "iterations without a balance are skipped")
	require.NoError(t, inst.RunOnce(ctx), "a success resets the failure count")
	assert.Equal(t, 1, ex.orderCount())

	require.NoError(t, inst.RunOnce(ctx))
	require.NoError(t, inst.RunOnce(ctx))
	err := inst.RunOnce(ctx)
	assert.ErrorIs(t, err, exchange.ErrBalanceUnavailable)
	assert.Len(t, sink.ofType(events.Error), 4)
}

func TestRunOnce_SymbolFailuresDoNotStopTheBot(t *testing.T) {
	ctx := context.Background()
	inst, ex, sink := newTestInstance(t, testSpec("BTCUSDT", "ETHUSDT"), models.EngineConfig{})
	ex.setPrice("ETHUSDT", 100)

	// BTCUSDT has no price: the entry attempt fails, nothing else happens this iteration
	require.NoError(t, inst.RunOnce(ctx))
	errs := sink.ofType(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, "BTCUSDT", errs[0].Payload.(events.ErrorPayload).Symbol)
	assert.False(t, errs[0].Payload.(events.ErrorPayload).Fatal)

	ex.setPrice("BTCUSDT", 100)
	ex.orderErr = errors.New("rejected")
	require.NoError(t, inst.RunOnce(ctx))
	assert.Len(t, sink.ofType(events.Error), 2)
	assert.False(t, inst.Snapshot().Symbols[0].State.IsActive)

	ex.orderErr = nil
	require.NoError(t, inst.RunOnce(ctx))
	assert.True(t, inst.Snapshot().Symbols[0].State.IsActive)
}

func TestRunOnce_AddLevelFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	inst, ex, sink := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})
	ex.setPrice("BTCUSDT", 100)
	require.NoError(t, inst.RunOnce(ctx))
	before := inst.Snapshot().Symbols[0].State

	ex.setPrice("BTCUSDT", 98)
	ex.orderErr = exchange.ErrOrderFailed
	require.NoError(t, inst.RunOnce(ctx))

	assert.Equal(t, before, inst.Snapshot().Symbols[0].State)
	assert.Empty(t, sink.ofType(events.MartingaleAdded))
	assert.Len(t, sink.ofType(events.Error), 1)
}

func TestRunOnce_CancelledContext(t *testing.T) {
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})
	ex.setPrice("BTCUSDT", 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, inst.RunOnce(ctx), context.Canceled)
	assert.Zero(t, ex.orderCount())
}

func TestRun_StopHaltsOrderPlacement(t *testing.T) {
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT", "ETHUSDT"), models.EngineConfig{IntervalSec: 0.01})
	ex.setPrice("BTCUSDT", 100)
	ex.setPrice("ETHUSDT", 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	require.Eventually(t, func() bool { return ex.orderCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, inst.IsRunning())

	// keep prices moving so a live loop would keep trading
	ex.setPrice("BTCUSDT", 90)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run loop did not observe cancellation")
	}
	assert.False(t, inst.IsRunning())

	placed := ex.orderCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, placed, ex.orderCount(), "no orders after the loop returned")
}

func TestRun_ReturnsFatalError(t *testing.T) {
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{IntervalSec: 0.01})
	ex.balance = 1

	err := inst.Run(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPreflight(t *testing.T) {
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{MinBalance: 50})
	ex.balance = 40
	assert.ErrorIs(t, inst.Preflight(context.Background()), ErrInsufficientBalance)

	ex.balance = 60
	require.NoError(t, inst.Preflight(context.Background()))
	assert.Equal(t, 60.0, inst.Snapshot().Balance)

	ex.balanceErrs = []error{exchange.ErrInvalidCredentials}
	assert.ErrorIs(t, inst.Preflight(context.Background()), exchange.ErrInvalidCredentials)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	ctx := context.Background()
	inst, ex, _ := newTestInstance(t, testSpec("BTCUSDT"), models.EngineConfig{})
	ex.setPrice("BTCUSDT", 100)
	require.NoError(t, inst.RunOnce(ctx))

	snap := inst.Snapshot()
	require.Len(t, snap.Symbols[0].State.PositionLevels, 1)
	snap.Symbols[0].State.PositionLevels[0].Price = 1

	again := inst.Snapshot()
	assert.Equal(t, 100.0, again.Symbols[0].State.PositionLevels[0].Price)
	assert.InDelta(t, 100.0, again.Symbols[0].AvgEntry, 1e-9)
	assert.Equal(t, "test-bot", again.Name)
	assert.Equal(t, uint64(1), again.Iterations)
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/exchange"
	"martingale-bot-go/internal/metrics"
	"martingale-bot-go/internal/models"
	"martingale-bot-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMinBalance          = 15.0
	defaultBalanceFailureLimit = 3
	statusLogInterval          = 30 * time.Second
)

// ErrInsufficientBalance aborts a bot whose balance fell below the operating minimum.
var ErrInsufficientBalance = errors.New("balance below minimum operating threshold")

// Instance 是一个运行中的马丁格尔机器人: one state machine per configured
// symbol, driven by a single run loop.
type Instance struct {
	id     uuid.UUID
	userID string
	name   string
	cfg    models.MartingaleConfig
	client exchange.Client
	sink   events.Sink
	logger *zap.Logger

	machines            []*strategy.Machine
	interval            time.Duration
	minBalance          float64
	balanceFailureLimit int

	// run loop only
	balanceFailures int
	lastStatusLog   time.Time

	running    atomic.Bool
	iterations atomic.Uint64

	mu       sync.RWMutex // guards snapshot
	snapshot Snapshot
}

// New creates an instance for spec. The config is copied so later edits by
// the caller do not reach the running bot.
func New(spec models.BotSpec, client exchange.Client, engine models.EngineConfig, sink events.Sink, logger *zap.Logger) (*Instance, error) {
	if len(spec.Symbols) == 0 {
		return nil, errors.New("bot has no symbols")
	}
	if err := spec.Config.Validate(len(spec.Symbols)); err != nil {
		return nil, fmt.Errorf("invalid martingale config: %w", err)
	}
	if sink == nil {
		sink = events.Discard
	}

	cfg := spec.Config.Clone()
	logger = logger.With(zap.String("bot_id", spec.ID.String()), zap.String("bot", spec.Name))

	inst := &Instance{
		id:                  spec.ID,
		userID:              spec.UserID,
		name:                spec.Name,
		cfg:                 cfg,
		client:              client,
		sink:                sink,
		logger:              logger,
		interval:            engine.Interval(),
		minBalance:          engine.MinBalance,
		balanceFailureLimit: engine.BalanceFailureLimit,
	}
	if inst.minBalance <= 0 {
		inst.minBalance = defaultMinBalance
	}
	if inst.balanceFailureLimit <= 0 {
		inst.balanceFailureLimit = defaultBalanceFailureLimit
	}
	for _, symbol := range spec.Symbols {
		inst.machines = append(inst.machines, strategy.NewMachine(symbol, cfg, client, logger))
	}
	inst.publishSnapshot(0)
	return inst, nil
}

func (i *Instance) ID() uuid.UUID { return i.id }

func (i *Instance) UserID() string { return i.userID }

func (i *Instance) Name() string { return i.name }

// Config returns a copy of the strategy config the bot runs with.
func (i *Instance) Config() models.MartingaleConfig { return i.cfg.Clone() }

// IsRunning reports whether the run loop is executing.
func (i *Instance) IsRunning() bool { return i.running.Load() }

// Preflight checks that the account is reachable and funded before the bot
// is registered.
func (i *Instance) Preflight(ctx context.Context) error {
	balance, err := i.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("preflight balance check: %w", err)
	}
	if balance < i.minBalance {
		return fmt.Errorf("balance %.2f below minimum %.2f: %w", balance, i.minBalance, ErrInsufficientBalance)
	}
	i.publishSnapshot(balance)
	return nil
}

// Run executes iterations until ctx is cancelled or a fatal error occurs.
// It returns ctx.Err() on cancellation.
func (i *Instance) Run(ctx context.Context) error {
	i.running.Store(true)
	defer i.running.Store(false)
	defer metrics.ActivePositions.DeleteLabelValues(i.id.String())

	i.logger.Info("run loop started",
		zap.Strings("symbols", i.symbols()),
		zap.Duration("interval", i.interval))

	for {
		if err := i.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Error("run loop aborted", zap.Error(err))
			return err
		}
		if err := i.wait(ctx); err != nil {
			i.logger.Info("run loop cancelled")
			return err
		}
	}
}

// wait sleeps one interval or until ctx is done.
func (i *Instance) wait(ctx context.Context) error {
	timer := time.NewTimer(i.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunOnce performs one iteration: balance check, take-profit and add-level
// for every active symbol, then at most one entry. A returned error is fatal
// to the bot; symbol failures are reported as events instead.
func (i *Instance) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.iterations.Add(1)

	balance, err := i.client.GetBalance(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ExchangeErrors.WithLabelValues("balance").Inc()
		i.balanceFailures++
		if i.balanceFailures >= i.balanceFailureLimit {
			return fmt.Errorf("%d consecutive balance failures: %w", i.balanceFailures, err)
		}
		i.logger.Warn("balance fetch failed, skipping iteration",
			zap.Int("failures", i.balanceFailures),
			zap.Error(err))
		i.emit(events.Error, events.ErrorPayload{Message: err.Error()})
		return nil
	}
	i.balanceFailures = 0
	metrics.AccountBalance.WithLabelValues(i.id.String()).Set(balance)
	if balance < i.minBalance {
		return fmt.Errorf("balance %.2f below minimum %.2f: %w", balance, i.minBalance, ErrInsufficientBalance)
	}

	// 本轮已下过单的交易对不再开仓, one order-producing action per symbol
	acted := make(map[*strategy.Machine]bool, len(i.machines))
	for _, m := range i.machines {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.IsActive() {
			continue
		}
		acted[m] = i.evaluate(ctx, m)
	}

	if active := i.activeCount(); active < i.cfg.MaxPositions {
		for _, m := range i.machines {
			if m.IsActive() || m.InFlight() || acted[m] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			i.enter(ctx, m)
			break
		}
	}

	i.publishSnapshot(balance)
	metrics.ActivePositions.WithLabelValues(i.id.String()).Set(float64(i.activeCount()))
	i.maybeLogStatus(balance)
	return nil
}

// evaluate checks take-profit before add-level, so a profitable position
// closes rather than deepening. It reports whether an order was attempted.
func (i *Instance) evaluate(ctx context.Context, m *strategy.Machine) bool {
	price, ok := i.price(ctx, m.Symbol())
	if !ok || ctx.Err() != nil {
		return false
	}

	switch {
	case m.ShouldTakeProfit(price):
		res, err := m.Close(ctx, price)
		if err != nil {
			i.actionFailed("close", m.Symbol(), err)
			return true
		}
		metrics.OrdersTotal.WithLabelValues("close", "success").Inc()
		i.emit(events.PositionClosed, events.PositionClosedPayload{
			Symbol:       res.Symbol,
			AvgEntry:     res.AvgEntry,
			ExitPrice:    res.ExitPrice,
			Contracts:    res.Contracts,
			Levels:       res.Levels,
			ProfitPct:    res.ProfitPct,
			MarginReturn: res.MarginReturn,
			OrderID:      res.OrderID,
		})
		return true
	case m.ShouldAddLevel(price):
		fill, err := m.AddLevel(ctx, price)
		if err != nil {
			i.actionFailed("add_level", m.Symbol(), err)
			return true
		}
		metrics.OrdersTotal.WithLabelValues("add_level", "success").Inc()
		i.emit(events.MartingaleAdded, events.MartingaleAddedPayload{
			Symbol:         fill.Symbol,
			Step:           fill.Step,
			Price:          fill.Level.Price,
			Reference:      fill.Reference,
			DropPct:        fill.DropPct,
			Contracts:      fill.Level.ContractSize,
			MarginFraction: fill.Level.MarginFraction,
			AvgEntry:       m.WeightedAverage(),
			OrderID:        fill.OrderID,
		})
		return true
	}
	return false
}

func (i *Instance) enter(ctx context.Context, m *strategy.Machine) {
	price, ok := i.price(ctx, m.Symbol())
	if !ok || ctx.Err() != nil {
		return
	}
	fill, err := m.Enter(ctx, price)
	if err != nil {
		i.actionFailed("entry", m.Symbol(), err)
		return
	}
	metrics.OrdersTotal.WithLabelValues("entry", "success").Inc()
	i.emit(events.TradeOpened, events.TradeOpenedPayload{
		Symbol:         fill.Symbol,
		Price:          fill.Level.Price,
		Contracts:      fill.Level.ContractSize,
		MarginFraction: fill.Level.MarginFraction,
		Leverage:       i.cfg.Leverage,
		OrderID:        fill.OrderID,
	})
}

func (i *Instance) price(ctx context.Context, symbol string) (float64, bool) {
	price, err := i.client.GetPrice(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false
		}
		metrics.ExchangeErrors.WithLabelValues("price").Inc()
		i.logger.Warn("price unavailable", zap.String("symbol", symbol), zap.Error(err))
		i.emit(events.Error, events.ErrorPayload{Message: err.Error(), Symbol: symbol})
		return 0, false
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		metrics.ExchangeErrors.WithLabelValues("price").Inc()
		i.emit(events.Error, events.ErrorPayload{
			Message: fmt.Sprintf("invalid price %v: %v", price, exchange.ErrPriceUnavailable),
			Symbol:  symbol,
		})
		return 0, false
	}
	return price, true
}

func (i *Instance) actionFailed(action, symbol string, err error) {
	metrics.OrdersTotal.WithLabelValues(action, "failed").Inc()
	if errors.Is(err, exchange.ErrOrderFailed) {
		metrics.ExchangeErrors.WithLabelValues("order").Inc()
	}
	i.logger.Error(action+" failed", zap.String("symbol", symbol), zap.Error(err))
	i.emit(events.Error, events.ErrorPayload{
		Message: fmt.Sprintf("%s failed: %v", action, err),
		Symbol:  symbol,
	})
}

func (i *Instance) emit(typ events.Type, payload any) {
	i.sink.Publish(events.New(i.id, i.userID, typ, payload))
}

func (i *Instance) activeCount() int {
	n := 0
	for _, m := range i.machines {
		if m.IsActive() {
			n++
		}
	}
	return n
}

func (i *Instance) symbols() []string {
	out := make([]string, len(i.machines))
	for k, m := range i.machines {
		out[k] = m.Symbol()
	}
	return out
}

func (i *Instance) maybeLogStatus(balance float64) {
	now := time.Now()
	if now.Sub(i.lastStatusLog) < statusLogInterval {
		return
	}
	i.lastStatusLog = now
	for _, m := range i.machines {
		if !m.IsActive() {
			continue
		}
		s := m.State()
		i.logger.Info("position status",
			zap.String("symbol", m.Symbol()),
			zap.Int("step", s.CurrentStep),
			zap.Float64("avgEntry", s.WeightedAverage()),
			zap.Float64("contracts", s.TotalContracts()))
	}
	i.logger.Info("bot status",
		zap.Float64("balance", balance),
		zap.Int("active", i.activeCount()),
		zap.Int("maxPositions", i.cfg.MaxPositions),
		zap.Uint64("iterations", i.iterations.Load()))
}

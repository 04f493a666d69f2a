package strategy

import (
	"context"
	"errors"
	"fmt"

	"martingale-bot-go/internal/exchange"
	"martingale-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrInFlight      = errors.New("another order is in flight for this symbol")
	ErrAlreadyActive = errors.New("symbol already has an open position")
	ErrNotActive     = errors.New("symbol has no open position")
	ErrMaxDepth      = errors.New("martingale depth exhausted")
	ErrInvalidPrice  = errors.New("price must be positive")
	ErrSizeTooSmall  = errors.New("position size rounds to zero")
	ErrNotFilled     = errors.New("market order was not filled")
)

// Fill describes a successful entry or add-level order.
type Fill struct {
	Symbol    string
	Level     PositionLevel
	Step      int
	Reference float64 // trigger reference for add-level fills, 0 on entry
	DropPct   float64
	OrderID   string
}

// CloseResult describes a completed take-profit.
type CloseResult struct {
	Symbol       string
	AvgEntry     float64
	ExitPrice    float64
	Contracts    float64
	Levels       int
	ProfitPct    float64
	MarginReturn float64 // ProfitPct scaled by leverage
	OrderID      string
}

// Machine drives the IDLE → ENTERED → IDLE cycle of one symbol. It is owned
// by a single run loop and is not safe for concurrent use; InFlight only
// guards against re-entrant order operations.
type Machine struct {
	symbol string
	cfg    models.MartingaleConfig
	client exchange.Client
	state  SymbolTradeState
	logger *zap.Logger
}

// NewMachine creates an idle machine for symbol.
func NewMachine(symbol string, cfg models.MartingaleConfig, client exchange.Client, logger *zap.Logger) *Machine {
	return &Machine{
		symbol: symbol,
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("symbol", symbol)),
	}
}

func (m *Machine) Symbol() string { return m.symbol }

// State returns a deep copy of the current state.
func (m *Machine) State() SymbolTradeState { return m.state.Clone() }

func (m *Machine) IsActive() bool { return m.state.IsActive }

func (m *Machine) InFlight() bool { return m.state.InFlight }

// WeightedAverage returns the contract-weighted average entry price.
func (m *Machine) WeightedAverage() float64 { return m.state.WeightedAverage() }

// ShouldTakeProfit reports whether price is at least TakeProfitPct above the
// weighted average entry. It never mutates state.
func (m *Machine) ShouldTakeProfit(price float64) bool {
	if !m.state.IsActive || price <= 0 {
		return false
	}
	avg := m.state.WeightedAverage()
	if avg <= 0 {
		return false
	}
	return gainPct(avg, price).InexactFloat64() >= m.cfg.TakeProfitPct
}

// ShouldAddLevel reports whether price has dropped MartingaleTriggerPct below
// the last trigger price (or the entry price) and depth remains.
func (m *Machine) ShouldAddLevel(price float64) bool {
	if !m.state.IsActive || m.state.InFlight || price <= 0 {
		return false
	}
	if m.state.CurrentStep >= m.cfg.MaxStep() {
		return false
	}
	ref := m.state.reference()
	if ref <= 0 {
		return false
	}
	return dropPct(ref, price).InexactFloat64() >= m.cfg.MartingaleTriggerPct
}

// Enter opens step 0: sets leverage and buys MarginSequence[0]·Leverage/price.
func (m *Machine) Enter(ctx context.Context, price float64) (Fill, error) {
	if m.state.InFlight {
		return Fill{}, ErrInFlight
	}
	if m.state.IsActive {
		return Fill{}, ErrAlreadyActive
	}
	size, err := PositionSize(m.cfg, 0, price)
	if err != nil {
		return Fill{}, err
	}

	m.state.InFlight = true
	defer func() { m.state.InFlight = false }()

	// an order that has started must be allowed to complete
	orderCtx := context.WithoutCancel(ctx)
	if err := m.client.SetLeverage(orderCtx, m.symbol, m.cfg.Leverage); err != nil {
		return Fill{}, fmt.Errorf("set leverage %dx on %s: %w", m.cfg.Leverage, m.symbol, err)
	}
	orderID, err := m.buy(orderCtx, size)
	if err != nil {
		return Fill{}, err
	}

	level := PositionLevel{
		Price:          price,
		MarginFraction: m.cfg.MarginSequence[0],
		ContractSize:   size,
		LevelIndex:     0,
	}
	m.state.EntryPrice = price
	m.state.CurrentStep = 0
	m.state.PositionLevels = []PositionLevel{level}
	m.state.TriggerPrices = nil
	m.state.IsActive = true

	m.logger.Info("position opened",
		zap.Float64("price", price),
		zap.Float64("contracts", size),
		zap.Int("leverage", m.cfg.Leverage))
	return Fill{Symbol: m.symbol, Level: level, Step: 0, OrderID: orderID}, nil
}

// AddLevel buys the next step of the sequence at price. The trigger condition
// is the caller's concern (see ShouldAddLevel). Nothing is recorded unless the
// order succeeds.
func (m *Machine) AddLevel(ctx context.Context, price float64) (Fill, error) {
	if m.state.InFlight {
		return Fill{}, ErrInFlight
	}
	if !m.state.IsActive {
		return Fill{}, ErrNotActive
	}
	next := m.state.CurrentStep + 1
	if next > m.cfg.MaxStep() {
		return Fill{}, fmt.Errorf("step %d of %d: %w", next, m.cfg.MaxStep(), ErrMaxDepth)
	}
	size, err := PositionSize(m.cfg, next, price)
	if err != nil {
		return Fill{}, err
	}
	ref := m.state.reference()

	m.state.InFlight = true
	defer func() { m.state.InFlight = false }()

	orderID, err := m.buy(context.WithoutCancel(ctx), size)
	if err != nil {
		return Fill{}, err
	}

	level := PositionLevel{
		Price:          price,
		MarginFraction: m.cfg.MarginSequence[next],
		ContractSize:   size,
		LevelIndex:     next,
	}
	m.state.TriggerPrices = append(m.state.TriggerPrices, price)
	m.state.PositionLevels = append(m.state.PositionLevels, level)
	m.state.CurrentStep = next

	fill := Fill{
		Symbol:    m.symbol,
		Level:     level,
		Step:      next,
		Reference: ref,
		OrderID:   orderID,
	}
	if ref > 0 {
		fill.DropPct = dropPct(ref, price).InexactFloat64()
	}
	m.logger.Info("martingale level added",
		zap.Int("step", next),
		zap.Float64("price", price),
		zap.Float64("reference", ref),
		zap.Float64("contracts", size),
		zap.Float64("avgEntry", m.state.WeightedAverage()))
	return fill, nil
}

// Close sells every contract of the position reduce-only and resets the state.
// On failure the position is left untouched.
func (m *Machine) Close(ctx context.Context, price float64) (CloseResult, error) {
	if m.state.InFlight {
		return CloseResult{}, ErrInFlight
	}
	if len(m.state.PositionLevels) == 0 {
		return CloseResult{}, ErrNotActive
	}
	if price <= 0 {
		return CloseResult{}, fmt.Errorf("close at %v: %w", price, ErrInvalidPrice)
	}
	contracts := m.state.TotalContracts()
	avg := m.state.WeightedAverage()

	m.state.InFlight = true
	res, err := m.client.PlaceMarketOrder(context.WithoutCancel(ctx), m.symbol, models.Sell, contracts, true)
	m.state.InFlight = false
	if err != nil {
		return CloseResult{}, fmt.Errorf("close %s: %w", m.symbol, err)
	}
	if res == nil || !res.Filled {
		return CloseResult{}, fmt.Errorf("close %s: %w: %w", m.symbol, exchange.ErrOrderFailed, ErrNotFilled)
	}

	result := CloseResult{
		Symbol:    m.symbol,
		AvgEntry:  avg,
		ExitPrice: price,
		Contracts: contracts,
		Levels:    len(m.state.PositionLevels),
		OrderID:   res.OrderID,
	}
	if avg > 0 {
		result.ProfitPct = gainPct(avg, price).InexactFloat64()
	}
	result.MarginReturn = result.ProfitPct * float64(m.cfg.Leverage)

	m.state.Reset()

	m.logger.Info("position closed",
		zap.Float64("exitPrice", price),
		zap.Float64("avgEntry", avg),
		zap.Float64("contracts", contracts),
		zap.Float64("profitPct", result.ProfitPct),
		zap.Float64("marginReturn", result.MarginReturn))
	return result, nil
}

func (m *Machine) buy(ctx context.Context, size float64) (string, error) {
	res, err := m.client.PlaceMarketOrder(ctx, m.symbol, models.Buy, size, false)
	if err != nil {
		return "", fmt.Errorf("buy %s %s: %w", exchange.FormatQuantity(size), m.symbol, err)
	}
	if res == nil || !res.Filled {
		return "", fmt.Errorf("buy %s %s: %w: %w", exchange.FormatQuantity(size), m.symbol, exchange.ErrOrderFailed, ErrNotFilled)
	}
	return res.OrderID, nil
}

package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"martingale-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperFill 记录一笔模拟成交
type PaperFill struct {
	OrderID       int64
	Symbol        string
	Side          models.Side
	Quantity      float64
	Price         float64 // execution price after slippage
	Fee           float64
	RealizedPNL   float64 // only set on reducing fills
	ReduceOnly    bool
	ExecutionTime time.Time
}

// paperPosition is a long position on one symbol.
type paperPosition struct {
	Quantity float64
	AvgEntry float64
	Margin   float64
}

// PaperExchange 实现了 Client 接口，用于模拟交易 (paper trading)。
// Prices are pushed in by a PriceFeed (or by tests through SetPrice); market
// orders fill immediately at the last price plus slippage.
type PaperExchange struct {
	mu           sync.Mutex
	cash         float64
	prices       map[string]float64
	positions    map[string]*paperPosition
	leverage     map[string]int
	fills        []PaperFill
	nextOrderID  int64
	takerFeeRate float64
	slippageRate float64
	now          func() time.Time
	logger       *zap.Logger
}

// NewPaperExchange creates a simulated account funded with cfg.InitialBalance.
func NewPaperExchange(cfg models.PaperConfig, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		cash:         cfg.InitialBalance,
		prices:       make(map[string]float64),
		positions:    make(map[string]*paperPosition),
		leverage:     make(map[string]int),
		nextOrderID:  1,
		takerFeeRate: cfg.TakerFeeRate,
		slippageRate: cfg.SlippageRate,
		now:          time.Now,
		logger:       logger,
	}
}

// SetPrice updates the last traded price of a symbol.
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// GetPrice returns the last pushed price.
func (e *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no price for %s yet: %w", symbol, ErrPriceUnavailable)
	}
	return price, nil
}

// GetBalance returns the free cash, i.e. equity not locked as margin.
func (e *PaperExchange) GetBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash, nil
}

// SetLeverage 设置杠杆。
func (e *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("leverage must be positive, got %d: %w", leverage, ErrOrderFailed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

// PlaceMarketOrder fills immediately. Only long positions are simulated: a
// sell must be reduce-only and is clamped to the open quantity.
func (e *PaperExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64, reduceOnly bool) (*models.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %v: %w", size, ErrOrderFailed)
	}
	price, ok := e.prices[symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("no price for %s: %w", symbol, ErrOrderFailed)
	}
	leverage := e.leverage[symbol]
	if leverage <= 0 {
		leverage = 1
	}

	fill := PaperFill{
		OrderID:       e.nextOrderID,
		Symbol:        symbol,
		Side:          side,
		ReduceOnly:    reduceOnly,
		ExecutionTime: e.now(),
	}

	switch side {
	case models.Buy:
		if reduceOnly {
			return nil, fmt.Errorf("reduce-only buy would open a short: %w", ErrOrderFailed)
		}
		fill.Price = price * (1 + e.slippageRate)
		fill.Quantity = size
		fill.Fee = fill.Price * size * e.takerFeeRate
		margin := fill.Price * size / float64(leverage)
		if margin+fill.Fee > e.cash {
			return nil, fmt.Errorf("insufficient paper balance %.4f for margin %.4f: %w", e.cash, margin+fill.Fee, ErrOrderFailed)
		}
		pos := e.positions[symbol]
		if pos == nil {
			pos = &paperPosition{}
			e.positions[symbol] = pos
		}
		newQty := pos.Quantity + size
		pos.AvgEntry = (pos.AvgEntry*pos.Quantity + fill.Price*size) / newQty
		pos.Quantity = newQty
		pos.Margin += margin
		e.cash -= margin + fill.Fee
	case models.Sell:
		if !reduceOnly {
			return nil, fmt.Errorf("short positions are not simulated: %w", ErrOrderFailed)
		}
		pos := e.positions[symbol]
		if pos == nil || pos.Quantity <= 1e-9 {
			return nil, fmt.Errorf("no open position on %s: %w", symbol, ErrOrderFailed)
		}
		qty := size
		if qty > pos.Quantity {
			qty = pos.Quantity
		}
		fill.Price = price * (1 - e.slippageRate)
		fill.Quantity = qty
		fill.Fee = fill.Price * qty * e.takerFeeRate
		fill.RealizedPNL = (fill.Price - pos.AvgEntry) * qty
		released := pos.Margin * qty / pos.Quantity
		pos.Margin -= released
		pos.Quantity -= qty
		e.cash += released + fill.RealizedPNL - fill.Fee
		if pos.Quantity <= 1e-9 {
			delete(e.positions, symbol)
		}
	default:
		return nil, fmt.Errorf("unknown side %q: %w", side, ErrOrderFailed)
	}

	e.nextOrderID++
	e.fills = append(e.fills, fill)
	e.logger.Debug("paper order filled",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Float64("cash", e.cash))

	return &models.OrderResult{
		OrderID:     strconv.FormatInt(fill.OrderID, 10),
		Symbol:      symbol,
		Side:        side,
		Filled:      true,
		ExecutedQty: fill.Quantity,
		AvgPrice:    fill.Price,
		Status:      "FILLED",
	}, nil
}

// Position returns the open quantity and average entry of a symbol.
func (e *PaperExchange) Position(symbol string) (quantity, avgEntry float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos := e.positions[symbol]; pos != nil {
		return pos.Quantity, pos.AvgEntry
	}
	return 0, 0
}

// Fills returns a copy of the fill log.
func (e *PaperExchange) Fills() []PaperFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PaperFill, len(e.fills))
	copy(out, e.fills)
	return out
}

// Equity 合约账户总权益 = 可用现金 + 占用保证金 + 未实现盈亏
func (e *PaperExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	equity := e.cash
	for symbol, pos := range e.positions {
		equity += pos.Margin + (e.prices[symbol]-pos.AvgEntry)*pos.Quantity
	}
	return equity
}

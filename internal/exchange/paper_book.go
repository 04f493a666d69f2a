package exchange

import (
	"sync"

	"martingale-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperBook hands every bot its own simulated account and fans the feed's
// prices out to all of them, so paper bots never share cash or positions.
type PaperBook struct {
	mu       sync.Mutex
	cfg      models.PaperConfig
	prices   map[string]float64
	accounts []*PaperExchange
	logger   *zap.Logger
}

// NewPaperBook creates an empty book; accounts are funded from cfg.
func NewPaperBook(cfg models.PaperConfig, logger *zap.Logger) *PaperBook {
	return &PaperBook{
		cfg:    cfg,
		prices: make(map[string]float64),
		logger: logger,
	}
}

// NewAccount opens a fresh account that already knows the latest prices.
func (b *PaperBook) NewAccount() *PaperExchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex := NewPaperExchange(b.cfg, b.logger)
	for symbol, price := range b.prices {
		ex.SetPrice(symbol, price)
	}
	b.accounts = append(b.accounts, ex)
	return ex
}

// SetPrice implements PriceSink.
func (b *PaperBook) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
	for _, ex := range b.accounts {
		ex.SetPrice(symbol, price)
	}
}

// Summary 汇总所有模拟账户: 账户数, 总权益, 成交笔数
func (b *PaperBook) Summary() (accounts int, equity float64, fills int) {
	b.mu.Lock()
	list := append([]*PaperExchange(nil), b.accounts...)
	b.mu.Unlock()
	for _, ex := range list {
		equity += ex.Equity()
		fills += len(ex.Fills())
	}
	return len(list), equity, fills
}

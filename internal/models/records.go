package models

import "time"

// BotRecord 是 bots 表中的一行: lifecycle status plus lifetime aggregates.
type BotRecord struct {
	ID                string
	UserID            string
	Name              string
	Status            BotStatus
	LastError         string
	TotalTrades       int
	WinningTrades     int
	TotalMarginReturn float64
	UpdatedAt         time.Time
}

// TradeAction 标记一笔成交属于哪个动作
type TradeAction string

const (
	ActionEntry    TradeAction = "entry"
	ActionAddLevel TradeAction = "add_level"
	ActionClose    TradeAction = "close"
)

// TradeRecord is one filled order of a bot.
type TradeRecord struct {
	BotID     string
	Symbol    string
	Action    TradeAction
	Side      Side
	Price     float64
	Quantity  float64
	Step      int
	OrderID   string
	CreatedAt time.Time
}

// ClosedPosition is a take-profit exit with the figures of the whole ladder.
type ClosedPosition struct {
	BotID        string
	Symbol       string
	AvgEntry     float64
	ExitPrice    float64
	Contracts    float64
	Levels       int
	ProfitPct    float64
	MarginReturn float64
	ClosedAt     time.Time
}

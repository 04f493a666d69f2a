package storage

import (
	"database/sql"

	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/models"

	"go.uber.org/zap"
)

// Recorder mirrors engine events into the sqlite store: bot status, every
// filled order and every closed position.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecorder creates a recorder writing to db.
func NewRecorder(db *sql.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// Handle implements events.Handler. Write failures are logged, never returned,
// so a broken store cannot stall the dispatcher.
func (r *Recorder) Handle(e events.Event) {
	var err error
	botID := e.BotID.String()

	switch p := e.Payload.(type) {
	case events.StartedPayload:
		err = r.status(e, p.Name, models.BotStatusRunning, "")
	case events.StoppedPayload:
		var known bool
		if known, err = MarkBotStopped(r.db, botID, e.Timestamp); err == nil && !known {
			r.logger.Debug("stop for unknown bot not recorded", zap.String("bot_id", botID))
		}
	case events.ErrorPayload:
		// 只有致命错误才改变机器人状态
		if p.Fatal {
			err = r.status(e, "", models.BotStatusError, p.Message)
		}
	case events.TradeOpenedPayload:
		err = InsertTrade(r.db, &models.TradeRecord{
			BotID:     botID,
			Symbol:    p.Symbol,
			Action:    models.ActionEntry,
			Side:      models.Buy,
			Price:     p.Price,
			Quantity:  p.Contracts,
			Step:      0,
			OrderID:   p.OrderID,
			CreatedAt: e.Timestamp,
		})
	case events.MartingaleAddedPayload:
		err = InsertTrade(r.db, &models.TradeRecord{
			BotID:     botID,
			Symbol:    p.Symbol,
			Action:    models.ActionAddLevel,
			Side:      models.Buy,
			Price:     p.Price,
			Quantity:  p.Contracts,
			Step:      p.Step,
			OrderID:   p.OrderID,
			CreatedAt: e.Timestamp,
		})
	case events.PositionClosedPayload:
		err = InsertTrade(r.db, &models.TradeRecord{
			BotID:     botID,
			Symbol:    p.Symbol,
			Action:    models.ActionClose,
			Side:      models.Sell,
			Price:     p.ExitPrice,
			Quantity:  p.Contracts,
			Step:      p.Levels - 1,
			OrderID:   p.OrderID,
			CreatedAt: e.Timestamp,
		})
		if err == nil {
			err = RecordClosedPosition(r.db, &models.ClosedPosition{
				BotID:        botID,
				Symbol:       p.Symbol,
				AvgEntry:     p.AvgEntry,
				ExitPrice:    p.ExitPrice,
				Contracts:    p.Contracts,
				Levels:       p.Levels,
				ProfitPct:    p.ProfitPct,
				MarginReturn: p.MarginReturn,
				ClosedAt:     e.Timestamp,
			})
		}
	}

	if err != nil {
		r.logger.Error("failed to record event",
			zap.String("bot_id", botID),
			zap.String("type", string(e.Type)),
			zap.Error(err))
	}
}

func (r *Recorder) status(e events.Event, name string, status models.BotStatus, lastErr string) error {
	return UpsertBotStatus(r.db, &models.BotRecord{
		ID:        e.BotID.String(),
		UserID:    e.UserID,
		Name:      name,
		Status:    status,
		LastError: lastErr,
		UpdatedAt: e.Timestamp,
	})
}

package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUpsertBotStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`INSERT INTO bots`).
		WithArgs("b1", "u1", "alpha", "running", "", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = UpsertBotStatus(db, &models.BotRecord{
		ID: "b1", UserID: "u1", Name: "alpha", Status: models.BotStatusRunning, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBotStatus_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO bots`).WillReturnError(errors.New("disk full"))

	err = UpsertBotStatus(db, &models.BotRecord{ID: "b1", Status: models.BotStatusError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRecordClosedPosition(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "success - winning exit counts as win",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO closed_positions`).
					WithArgs("b1", "BTCUSDT", 99.5, 100.1, 0.1183, 2, 0.6, 15.0, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec(`INSERT INTO bots`).
					WithArgs("b1", "running", 1, 15.0, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "insert fails - rolled back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO closed_positions`).WillReturnError(errors.New("locked"))
				mock.ExpectRollback()
			},
			expectError: true,
		},
		{
			name: "aggregate update fails - rolled back",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO closed_positions`).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec(`INSERT INTO bots`).WillReturnError(errors.New("locked"))
				mock.ExpectRollback()
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.mockSetup(mock)

			err = RecordClosedPosition(db, &models.ClosedPosition{
				BotID: "b1", Symbol: "BTCUSDT", AvgEntry: 99.5, ExitPrice: 100.1,
				Contracts: 0.1183, Levels: 2, ProfitPct: 0.6, MarginReturn: 15, ClosedAt: time.Now(),
			})
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetBotRecord_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM bots WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec, err := GetBotRecord(db, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestGetClosedPositions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"bot_id", "symbol", "avg_entry", "exit_price", "contracts", "levels", "profit_pct", "margin_return", "closed_at"}).
		AddRow("b1", "BTCUSDT", 100.0, 100.6, 0.05, 1, 0.6, 15.0, ts.UnixMilli()).
		AddRow("b1", "ETHUSDT", 2000.0, 2011.2, 0.0025, 1, 0.56, 14.0, ts.Add(time.Minute).UnixMilli())
	mock.ExpectQuery(`SELECT (.+) FROM closed_positions`).
		WithArgs("b1", "b1").
		WillReturnRows(rows)

	got, err := GetClosedPositions(db, "b1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, ts, got[0].ClosedAt)
	assert.Equal(t, 14.0, got[1].MarginReturn)
}

func newTestDB(t *testing.T) *Recorder {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecorder(db, zap.NewNop())
}

func TestRecorder_LifecycleAndTrades(t *testing.T) {
	r := newTestDB(t)
	bot := uuid.New()
	id := bot.String()

	r.Handle(events.New(bot, "u1", events.Started, events.StartedPayload{Name: "alpha", Symbols: []string{"BTCUSDT"}}))
	r.Handle(events.New(bot, "u1", events.TradeOpened, events.TradeOpenedPayload{Symbol: "BTCUSDT", Price: 100, Contracts: 0.05, OrderID: "1"}))
	r.Handle(events.New(bot, "u1", events.MartingaleAdded, events.MartingaleAddedPayload{Symbol: "BTCUSDT", Step: 1, Price: 98.9, Contracts: 0.0683, OrderID: "2"}))
	r.Handle(events.New(bot, "u1", events.PositionClosed, events.PositionClosedPayload{
		Symbol: "BTCUSDT", AvgEntry: 99.36, ExitPrice: 99.93, Contracts: 0.1183, Levels: 2, ProfitPct: 0.57, MarginReturn: 14.25, OrderID: "3",
	}))

	rec, err := GetBotRecord(r.db, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.BotStatusRunning, rec.Status)
	assert.Equal(t, "alpha", rec.Name)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, 1, rec.TotalTrades)
	assert.Equal(t, 1, rec.WinningTrades)
	assert.InDelta(t, 14.25, rec.TotalMarginReturn, 1e-9)

	var trades int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE bot_id = ?`, id).Scan(&trades))
	assert.Equal(t, 3, trades)

	closed, err := GetClosedPositions(r.db, id)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, 2, closed[0].Levels)

	// non-fatal errors leave the status alone
	r.Handle(events.New(bot, "u1", events.Error, events.ErrorPayload{Message: "price unavailable", Symbol: "BTCUSDT"}))
	rec, _ = GetBotRecord(r.db, id)
	assert.Equal(t, models.BotStatusRunning, rec.Status)

	r.Handle(events.New(bot, "u1", events.Error, events.ErrorPayload{Message: "balance below minimum", Fatal: true}))
	rec, _ = GetBotRecord(r.db, id)
	assert.Equal(t, models.BotStatusError, rec.Status)
	assert.Equal(t, "balance below minimum", rec.LastError)
	assert.Equal(t, "alpha", rec.Name, "name survives status updates")

	r.Handle(events.New(bot, "", events.Stopped, events.StoppedPayload{Reason: "stop requested"}))
	rec, _ = GetBotRecord(r.db, id)
	assert.Equal(t, models.BotStatusStopped, rec.Status)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, "u1", rec.UserID)

	all, err := ListBotRecords(r.db)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecorder_StopOfUnknownBotIsNotStored(t *testing.T) {
	r := newTestDB(t)
	r.Handle(events.New(uuid.New(), "", events.Stopped, events.StoppedPayload{Reason: "not running"}))

	all, err := ListBotRecords(r.db)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMarkBotStopped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec("UPDATE bots SET status").
		WithArgs("stopped", now.UnixMilli(), "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bots SET status").
		WithArgs("stopped", now.UnixMilli(), "b2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	known, err := MarkBotStopped(db, "b1", now)
	require.NoError(t, err)
	assert.True(t, known)

	known, err = MarkBotStopped(db, "b2", now)
	require.NoError(t, err)
	assert.False(t, known)
	assert.NoError(t, mock.ExpectationsWereMet())
}

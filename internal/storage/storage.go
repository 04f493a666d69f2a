package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"martingale-bot-go/internal/models"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// 每个机器人一行: 生命周期状态和累计统计
	createBotsTableSQL := `
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		total_trades INTEGER NOT NULL DEFAULT 0,
		winning_trades INTEGER NOT NULL DEFAULT 0,
		total_margin_return REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createBotsTableSQL); err != nil {
		return err
	}

	// Every filled order: entries, added levels and closes.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		step INTEGER NOT NULL,
		order_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createClosedPositionsTableSQL := `
	CREATE TABLE IF NOT EXISTS closed_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		avg_entry REAL NOT NULL,
		exit_price REAL NOT NULL,
		contracts REAL NOT NULL,
		levels INTEGER NOT NULL,
		profit_pct REAL NOT NULL,
		margin_return REAL NOT NULL,
		closed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createClosedPositionsTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_closed_positions_bot ON closed_positions (bot_id, closed_at);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}

	return nil
}

// UpsertBotStatus creates or updates the bot row. Empty user_id and name
// leave the stored values untouched.
func UpsertBotStatus(db *sql.DB, rec *models.BotRecord) error {
	query := `
	INSERT INTO bots (id, user_id, name, status, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = CASE WHEN excluded.user_id = '' THEN bots.user_id ELSE excluded.user_id END,
		name = CASE WHEN excluded.name = '' THEN bots.name ELSE excluded.name END,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at;`

	_, err := db.Exec(query,
		rec.ID,
		rec.UserID,
		rec.Name,
		string(rec.Status),
		rec.LastError,
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save status of bot %s: %w", rec.ID, err)
	}
	return nil
}

// MarkBotStopped sets a known bot to stopped. Unknown ids are left out of the
// store, so it reports whether a row was updated.
func MarkBotStopped(db *sql.DB, botID string, at time.Time) (bool, error) {
	query := `
	UPDATE bots SET status = ?, last_error = '', updated_at = ?
	WHERE id = ?;`

	res, err := db.Exec(query, string(models.BotStatusStopped), at.UnixMilli(), botID)
	if err != nil {
		return false, fmt.Errorf("failed to mark bot %s stopped: %w", botID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark bot %s stopped: %w", botID, err)
	}
	return n > 0, nil
}

// GetBotRecord retrieves one bot row. It returns nil, nil if the bot is unknown.
func GetBotRecord(db *sql.DB, botID string) (*models.BotRecord, error) {
	query := `
	SELECT id, user_id, name, status, last_error, total_trades, winning_trades, total_margin_return, updated_at
	FROM bots WHERE id = ?;`

	var rec models.BotRecord
	var status string
	var updatedAt int64
	err := db.QueryRow(query, botID).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Name,
		&status,
		&rec.LastError,
		&rec.TotalTrades,
		&rec.WinningTrades,
		&rec.TotalMarginReturn,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load bot %s: %w", botID, err)
	}
	rec.Status = models.BotStatus(status)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// ListBotRecords returns every known bot ordered by id.
func ListBotRecords(db *sql.DB) ([]models.BotRecord, error) {
	query := `
	SELECT id, user_id, name, status, last_error, total_trades, winning_trades, total_margin_return, updated_at
	FROM bots ORDER BY id;`

	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var out []models.BotRecord
	for rows.Next() {
		var rec models.BotRecord
		var status string
		var updatedAt int64
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Name, &status, &rec.LastError,
			&rec.TotalTrades, &rec.WinningTrades, &rec.TotalMarginReturn, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		rec.Status = models.BotStatus(status)
		rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertTrade stores one filled order.
func InsertTrade(db *sql.DB, t *models.TradeRecord) error {
	query := `
	INSERT INTO trades (bot_id, symbol, action, side, price, quantity, step, order_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Exec(query,
		t.BotID, t.Symbol, string(t.Action), string(t.Side),
		t.Price, t.Quantity, t.Step, t.OrderID, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s trade of %s: %w", t.Action, t.Symbol, err)
	}
	return nil
}

// RecordClosedPosition stores the exit and bumps the bot's aggregates in one transaction.
func RecordClosedPosition(db *sql.DB, p *models.ClosedPosition) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for closed position: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	_, err = tx.Exec(`
	INSERT INTO closed_positions (bot_id, symbol, avg_entry, exit_price, contracts, levels, profit_pct, margin_return, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.BotID, p.Symbol, p.AvgEntry, p.ExitPrice, p.Contracts,
		p.Levels, p.ProfitPct, p.MarginReturn, p.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert closed position of %s: %w", p.Symbol, err)
	}

	win := 0
	if p.MarginReturn > 0 {
		win = 1
	}
	_, err = tx.Exec(`
	INSERT INTO bots (id, status, total_trades, winning_trades, total_margin_return, updated_at)
	VALUES (?, ?, 1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		total_trades = bots.total_trades + 1,
		winning_trades = bots.winning_trades + excluded.winning_trades,
		total_margin_return = bots.total_margin_return + excluded.total_margin_return,
		updated_at = excluded.updated_at;`,
		p.BotID, string(models.BotStatusRunning), win, p.MarginReturn, p.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to update aggregates of bot %s: %w", p.BotID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit closed position transaction: %w", err)
	}
	return nil
}

// GetClosedPositions returns the bot's exits, oldest first. An empty botID
// returns the exits of every bot.
func GetClosedPositions(db *sql.DB, botID string) ([]models.ClosedPosition, error) {
	query := `
	SELECT bot_id, symbol, avg_entry, exit_price, contracts, levels, profit_pct, margin_return, closed_at
	FROM closed_positions
	WHERE (? = '' OR bot_id = ?)
	ORDER BY closed_at, id`

	rows, err := db.Query(query, botID, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	var out []models.ClosedPosition
	for rows.Next() {
		var p models.ClosedPosition
		var closedAt int64
		if err := rows.Scan(
			&p.BotID, &p.Symbol, &p.AvgEntry, &p.ExitPrice, &p.Contracts,
			&p.Levels, &p.ProfitPct, &p.MarginReturn, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan closed position row: %w", err)
		}
		p.ClosedAt = time.UnixMilli(closedAt).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

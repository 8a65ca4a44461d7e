// Package store persists executed fills in SQLite for post-run inspection
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pingpong/internal/core"
)

// FillJournal implements core.IFillJournal on a SQLite database.
type FillJournal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	market TEXT NOT NULL,
	side INTEGER NOT NULL,
	buy_price TEXT NOT NULL,
	sell_price TEXT NOT NULL,
	btc_amount TEXT NOT NULL,
	source INTEGER NOT NULL,
	landmark INTEGER NOT NULL,
	filled_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_market_time ON fills(market, filled_at);
`

// NewFillJournal opens (and if needed initializes) the journal database.
func NewFillJournal(dbPath string) (*FillJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &FillJournal{db: db}, nil
}

// Record appends one fill.
func (j *FillJournal) Record(ctx context.Context, fill core.FillRecord) error {
	const query = `INSERT INTO fills
		(market, side, buy_price, sell_price, btc_amount, source, landmark, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	landmark := 0
	if fill.Landmark {
		landmark = 1
	}

	_, err := j.db.ExecContext(ctx, query,
		fill.Market, int(fill.Side), fill.BuyPrice, fill.SellPrice, fill.BtcAmount,
		int(fill.Source), landmark, fill.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

// Recent returns up to limit fills for a market, newest first.
func (j *FillJournal) Recent(ctx context.Context, market string, limit int) ([]core.FillRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `SELECT market, side, buy_price, sell_price, btc_amount, source, landmark, filled_at
		FROM fills WHERE market = ? ORDER BY filled_at DESC, id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, market, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []core.FillRecord
	for rows.Next() {
		var fill core.FillRecord
		var side, source, landmark int
		var filledAt int64

		if err := rows.Scan(&fill.Market, &side, &fill.BuyPrice, &fill.SellPrice,
			&fill.BtcAmount, &source, &landmark, &filledAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}

		fill.Side = core.Side(side)
		fill.Source = core.FillSource(source)
		fill.Landmark = landmark != 0
		fill.Timestamp = time.UnixMilli(filledAt)
		fills = append(fills, fill)
	}

	return fills, rows.Err()
}

// Close releases the database handle.
func (j *FillJournal) Close() error {
	return j.db.Close()
}

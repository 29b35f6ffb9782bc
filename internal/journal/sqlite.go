package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteSink struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) RecordTrade(t Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades
		(trade_id, instrument, qty, entry_price, exit_price, entry_time, exit_time, pnl, pnl_pct, reason, detail, session)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Instrument, t.Qty, t.EntryPrice, t.ExitPrice,
		t.EntryTime.UTC(), t.ExitTime.UTC(), t.PnL, t.PnLPct, t.Reason, t.Detail, t.Session,
	)
	return err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

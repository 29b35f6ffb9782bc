// Package journal keeps the history of closed trades and optionally mirrors
// it into a persistent sink.
package journal

import (
	"fmt"
	"time"
)

// Trade is an immutable record of a closed position.
type Trade struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Qty        int       `json:"qty"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	Session    string    `json:"session"`
}

func (t Trade) Win() bool {
	return t.PnL > 0
}

type Summary struct {
	Count    int
	Wins     int
	Losses   int
	WinRate  float64
	TotalPnL float64
}

// Sink persists trades outside the process.
type Sink interface {
	RecordTrade(Trade) error
	Close() error
}

// Open returns the sink for kind ("sqlite", "csv" or "none").
func Open(kind, path string) (Sink, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "sqlite":
		sink, err := NewSQLite(path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "csv":
		sink, err := NewCSV(path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", kind)
	}
}

package journal

import (
	"log/slog"
	"sync"
	"time"

	"sessionbot/internal/id"
)

// Recorder is the append-only trade history for a run.
type Recorder struct {
	mu       sync.Mutex
	location *time.Location
	trades   []Trade
	sink     Sink
}

// NewRecorder groups trades by day in location. sink may be nil.
func NewRecorder(location *time.Location, sink Sink) *Recorder {
	if location == nil {
		location = time.UTC
	}
	return &Recorder{location: location, sink: sink}
}

// Record appends a trade. The in-memory history is authoritative; a sink
// failure is logged and returned but the trade stays recorded.
func (r *Recorder) Record(trade Trade) error {
	if trade.ID == "" {
		trade.ID = id.New()
	}

	r.mu.Lock()
	r.trades = append(r.trades, trade)
	sink := r.sink
	r.mu.Unlock()

	if sink == nil {
		return nil
	}
	if err := sink.RecordTrade(trade); err != nil {
		slog.Error("journal sink write failed", "trade_id", trade.ID, "instrument", trade.Instrument, "error", err)
		return err
	}
	return nil
}

func (r *Recorder) Trades() []Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trade(nil), r.trades...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

// DailyPnL sums realized P&L of trades that exited on date's calendar day.
func (r *Recorder) DailyPnL(date time.Time) float64 {
	total, _ := r.daily(date)
	return total
}

// DailyCount counts trades that exited on date's calendar day.
func (r *Recorder) DailyCount(date time.Time) int {
	_, n := r.daily(date)
	return n
}

func (r *Recorder) daily(date time.Time) (float64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	y, m, d := date.In(r.location).Date()
	total := 0.0
	n := 0
	for _, t := range r.trades {
		ty, tm, td := t.ExitTime.In(r.location).Date()
		if ty == y && tm == m && td == d {
			total += t.PnL
			n++
		}
	}
	return total, n
}

func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Summary
	for _, t := range r.trades {
		s.Count++
		s.TotalPnL += t.PnL
		if t.Win() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.Count > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Count)
	}
	return s
}

func (r *Recorder) Close() error {
	if r.sink == nil {
		return nil
	}
	return r.sink.Close()
}

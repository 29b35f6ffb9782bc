package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"sessionbot/internal/journal"
	"sessionbot/internal/session"
)

// Trailing stop settings: the ratchet arms once the position is up
// TrailingActivation and then trails TrailingGiveBack below the return.
const (
	TrailingActivation = 0.01
	TrailingGiveBack   = 0.005
)

// ErrNoPosition means a caller asked the ledger about an instrument it does
// not hold. The ledger's own transitions never produce this.
var ErrNoPosition = errors.New("no open position")

type Position struct {
	Instrument   string       `json:"instrument"`
	EntryPrice   float64      `json:"entry_price"`
	Qty          int          `json:"qty"`
	StopLoss     float64      `json:"stop_loss"`
	ProfitTarget float64      `json:"profit_target"`
	Session      session.Name `json:"session"`
	EntryTime    time.Time    `json:"entry_time"`
}

// Return is the unrealized fractional return at price.
func (p Position) Return(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

func (p Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Qty)
}

type ExitReason string

const (
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTargetHit      ExitReason = "target_hit"
	ExitSessionChanged ExitReason = "session_changed"
	ExitMarketClosed   ExitReason = "market_closed"
	ExitShutdown       ExitReason = "shutdown"
)

type ExitDecision struct {
	Exit       bool
	Reason     ExitReason
	Detail     string
	Return     float64
	StopRaised bool
	Stop       float64
}

// Ledger owns the open positions, at most one per instrument.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewLedger() *Ledger {
	return &Ledger{positions: map[string]*Position{}}
}

// Open records a filled entry. The initial stop comes from the session
// parameters at fill time. It is a no-op returning false if the instrument
// is already held.
func (l *Ledger) Open(instrument string, fillPrice float64, qty int, name session.Name, params session.Params, at time.Time) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.positions[instrument]; ok {
		return *existing, false
	}
	p := &Position{
		Instrument:   instrument,
		EntryPrice:   fillPrice,
		Qty:          qty,
		StopLoss:     fillPrice * (1 - params.StopLossPct),
		ProfitTarget: params.ProfitTarget,
		Session:      name,
		EntryTime:    at,
	}
	l.positions[instrument] = p
	return *p, true
}

func (l *Ledger) Get(instrument string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

func (l *Ledger) Has(instrument string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[instrument]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Positions returns copies ordered by entry time, then instrument.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// EvaluateExit checks one position against price in this order: stop-loss,
// profit target, trailing-stop ratchet, session change. The ratchet only
// mutates the stop. A session change forces an exit even right after a
// ratchet, but never overrides an earlier exit reason.
func (l *Ledger) EvaluateExit(instrument string, price float64, current session.Name) (ExitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[instrument]
	if !ok {
		return ExitDecision{}, fmt.Errorf("evaluate exit %s: %w", instrument, ErrNoPosition)
	}

	ret := p.Return(price)
	d := ExitDecision{Return: ret, Stop: p.StopLoss}

	switch {
	case price <= p.StopLoss:
		d.Exit = true
		d.Reason = ExitStopLoss
		d.Detail = fmt.Sprintf("stop-loss (%.1f%%)", ret*100)
	case ret >= p.ProfitTarget:
		d.Exit = true
		d.Reason = ExitTargetHit
		d.Detail = fmt.Sprintf("target hit (%.1f%%)", ret*100)
	case ret >= TrailingActivation:
		newStop := p.EntryPrice * (1 + ret - TrailingGiveBack)
		if newStop > p.StopLoss {
			p.StopLoss = newStop
			d.StopRaised = true
			d.Stop = newStop
		}
	}

	if !d.Exit && p.Session != current {
		d.Exit = true
		d.Reason = ExitSessionChanged
		d.Detail = fmt.Sprintf("session ended (%s -> %s)", p.Session, current)
	}
	return d, nil
}

// Close removes the position filled at fillPrice and returns its trade.
func (l *Ledger) Close(instrument string, fillPrice float64, reason ExitReason, detail string, at time.Time) (journal.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[instrument]
	if !ok {
		return journal.Trade{}, fmt.Errorf("close %s: %w", instrument, ErrNoPosition)
	}
	delete(l.positions, instrument)
	return closedTrade(*p, p.Qty, fillPrice, reason, detail, at), nil
}

// Reduce books a partial exit of qty shares at fillPrice and keeps the rest
// open with its stop and session unchanged. Reducing by the full quantity or
// more closes the position.
func (l *Ledger) Reduce(instrument string, qty int, fillPrice float64, reason ExitReason, detail string, at time.Time) (journal.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[instrument]
	if !ok {
		return journal.Trade{}, fmt.Errorf("reduce %s: %w", instrument, ErrNoPosition)
	}
	if qty <= 0 {
		return journal.Trade{}, fmt.Errorf("reduce %s: quantity %d must be positive", instrument, qty)
	}
	if qty >= p.Qty {
		delete(l.positions, instrument)
		return closedTrade(*p, p.Qty, fillPrice, reason, detail, at), nil
	}
	p.Qty -= qty
	return closedTrade(*p, qty, fillPrice, reason, detail, at), nil
}

func closedTrade(p Position, qty int, fillPrice float64, reason ExitReason, detail string, at time.Time) journal.Trade {
	if detail == "" {
		detail = string(reason)
	}
	return journal.Trade{
		Instrument: p.Instrument,
		EntryPrice: p.EntryPrice,
		ExitPrice:  fillPrice,
		Qty:        qty,
		PnL:        (fillPrice - p.EntryPrice) * float64(qty),
		PnLPct:     p.Return(fillPrice) * 100,
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		Reason:     string(reason),
		Detail:     detail,
		Session:    string(p.Session),
	}
}

// Save checkpoints open positions as JSON.
func (l *Ledger) Save(path string) error {
	data, err := json.MarshalIndent(l.Positions(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load replaces the ledger contents with a checkpoint.
func (l *Ledger) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return err
	}

	loaded := make(map[string]*Position, len(positions))
	for i := range positions {
		p := positions[i]
		if _, dup := loaded[p.Instrument]; dup {
			return fmt.Errorf("checkpoint holds %s twice", p.Instrument)
		}
		if p.Qty <= 0 || p.EntryPrice <= 0 {
			return fmt.Errorf("checkpoint entry %s: qty %d at %.4f is not a position", p.Instrument, p.Qty, p.EntryPrice)
		}
		loaded[p.Instrument] = &p
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = loaded
	return nil
}

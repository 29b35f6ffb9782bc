package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"sessionbot/internal/broker"
	"sessionbot/internal/config"
	"sessionbot/internal/journal"
	"sessionbot/internal/md"
	"sessionbot/internal/risk"
	"sessionbot/internal/session"
	"sessionbot/internal/state"
	"sessionbot/internal/strategy"
)

type Phase string

const (
	Scanning Phase = "scanning"
	Flushing Phase = "flushing"
	Waiting  Phase = "waiting"
	Stopped  Phase = "stopped"
)

const defaultFlushTimeout = time.Minute

// SessionClock classifies wall-clock time into trading sessions.
type SessionClock interface {
	Current(now time.Time) session.Name
	Params(name session.Name) session.Params
	Location() *time.Location
}

type Engine struct {
	cfg       config.Config
	clock     SessionClock
	strategy  strategy.Strategy
	gate      risk.Gate
	broker    broker.Gateway
	ledger    *state.Ledger
	recorder  *journal.Recorder
	decisions *DecisionLogger
	runID     string
	now       func() time.Time

	mu           sync.Mutex
	phase        Phase
	passes       int
	accountValue float64
	orderSeqNum  uint64
}

func New(cfg config.Config, clock SessionClock, strat strategy.Strategy, gate risk.Gate, gw broker.Gateway, ledger *state.Ledger, recorder *journal.Recorder, decisions *DecisionLogger, runID string) *Engine {
	return &Engine{
		cfg:          cfg,
		clock:        clock,
		strategy:     strat,
		gate:         gate,
		broker:       gw,
		ledger:       ledger,
		recorder:     recorder,
		decisions:    decisions,
		runID:        runID,
		now:          time.Now,
		phase:        Scanning,
		accountValue: cfg.AccountValue,
	}
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	prev := e.phase
	e.phase = p
	e.mu.Unlock()
	if prev != p {
		slog.Info("engine phase", "from", prev, "to", p)
	}
}

// Run drives passes until ctx is cancelled or a ledger invariant breaks.
// Open positions are always flushed before Run returns.
func (e *Engine) Run(ctx context.Context) (err error) {
	slog.Info("engine started", "run_id", e.runID, "watchlist", e.cfg.Watchlist, "max_positions", e.cfg.MaxPositions, "account_value", e.accountValue)
	e.setPhase(Scanning)
	defer func() {
		err = multierr.Append(err, e.shutdown())
	}()

	for ctx.Err() == nil {
		wait, passErr := e.RunOnce(ctx)
		if passErr != nil {
			return passErr
		}
		if broker.WaitForContext(ctx, wait) != nil {
			break
		}
	}
	slog.Info("shutdown requested", "run_id", e.runID)
	return nil
}

// RunOnce executes a single pass and returns how long to wait before the
// next one. Only ledger invariant violations are returned as errors.
func (e *Engine) RunOnce(ctx context.Context) (time.Duration, error) {
	now := e.now()
	current := e.clock.Current(now)

	if !session.Tradable(current) {
		if e.ledger.Len() > 0 {
			e.setPhase(Flushing)
			slog.Info("market closed, flushing positions", "open", e.ledger.Len())
			if err := e.flush(ctx, state.ExitMarketClosed); err != nil {
				if errors.Is(err, state.ErrNoPosition) {
					return 0, err
				}
				slog.Error("flush incomplete", "remaining", e.ledger.Len(), "error", err)
			}
		}
		e.setPhase(Waiting)
		return e.cfg.ClosedInterval, nil
	}

	e.setPhase(Scanning)
	e.passes++
	if e.cfg.StatusEvery > 0 && e.passes%e.cfg.StatusEvery == 0 {
		e.reportStatus(ctx, now, current)
	}
	if e.cfg.ReconcileEvery > 0 && e.passes%e.cfg.ReconcileEvery == 0 {
		e.reconcile(ctx)
	}

	if err := e.checkExits(ctx, current); err != nil {
		return 0, err
	}
	if e.ledger.Len() >= e.cfg.MaxPositions {
		return e.cfg.PollInterval, nil
	}
	if e.scanEntries(ctx, current) {
		return e.cfg.EntryPause + e.cfg.PollInterval, nil
	}
	return e.cfg.PollInterval, nil
}

func (e *Engine) checkExits(ctx context.Context, current session.Name) error {
	for _, pos := range e.ledger.Positions() {
		quote, err := e.broker.Quote(ctx, pos.Instrument)
		price := quote.Price()
		if err != nil || price <= 0 {
			slog.Warn("exit check skipped", "instrument", pos.Instrument, "error", err)
			continue
		}

		d, err := e.ledger.EvaluateExit(pos.Instrument, price, current)
		if err != nil {
			slog.Error("ledger invariant violated", "instrument", pos.Instrument, "error", err)
			return err
		}
		if d.StopRaised {
			slog.Info("trailing stop raised", "instrument", pos.Instrument, "stop", d.Stop, "return_pct", d.Return*100)
		}
		if !d.Exit {
			continue
		}
		if err := e.exit(ctx, pos, price, current, d.Reason, d.Detail); err != nil && errors.Is(err, state.ErrNoPosition) {
			return err
		}
	}
	return nil
}

// flush closes every open position with reason. A missing quote falls back
// to the entry price for the log line; the exit itself is a market order.
func (e *Engine) flush(ctx context.Context, reason state.ExitReason) error {
	current := e.clock.Current(e.now())
	var errs error
	for _, pos := range e.ledger.Positions() {
		price := pos.EntryPrice
		quote, err := e.broker.Quote(ctx, pos.Instrument)
		if err == nil && quote.Price() > 0 {
			price = quote.Price()
		} else {
			slog.Warn("flush without quote, using entry price", "instrument", pos.Instrument, "error", err)
		}
		if err := e.exit(ctx, pos, price, current, reason, ""); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flush %s: %w", pos.Instrument, err))
		}
	}
	return errs
}

func (e *Engine) exit(ctx context.Context, pos state.Position, price float64, current session.Name, reason state.ExitReason, detail string) error {
	intent := strategy.TradeIntent{
		Instrument: pos.Instrument,
		Action:     strategy.Sell,
		Qty:        pos.Qty,
		Price:      price,
		Reason:     string(reason),
	}
	decision := e.newDecision(current, intent)

	if _, err := e.gate.Evaluate(intent, risk.RiskContext{Price: price, HasPosition: true}); err != nil {
		decision.Result = "rejected"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		return err
	}

	req := broker.OrderRequest{
		Instrument:    pos.Instrument,
		Qty:           pos.Qty,
		Side:          broker.Sell,
		Kind:          broker.Market,
		ClientOrderID: e.nextClientOrderID(),
	}
	decision.ClientOrderID = req.ClientOrderID
	ref, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		slog.Error("exit order failed", "instrument", pos.Instrument, "reason", reason, "error", err)
		return fmt.Errorf("exit %s: %w", pos.Instrument, err)
	}
	decision.OrderID = ref.ID

	status, err := broker.AwaitFill(ctx, e.broker, ref.ID, e.cfg.FillAttempts, e.cfg.FillDelay)
	if err != nil || status.State != broker.Filled {
		e.cancel(ref.ID)
		// The order may have filled, fully or in part, before the cancel landed.
		if final, statusErr := e.broker.OrderStatus(ctx, ref.ID); statusErr == nil && (final.State == broker.Filled || final.FilledQty > 0) {
			status = final
		} else {
			decision.Result = "exit_unfilled"
			if err == nil {
				err = fmt.Errorf("exit order %s %s", ref.ID, status.State)
			}
			decision.RejectReason = err.Error()
			e.appendDecision(decision)
			slog.Warn("exit not filled, retrying next pass", "instrument", pos.Instrument, "order_id", ref.ID, "error", err)
			return err
		}
	}

	fill := status.AvgFillPrice
	if fill <= 0 {
		fill = price
	}
	if status.FilledQty > 0 && status.FilledQty < pos.Qty {
		return e.partialExit(decision, pos, status.FilledQty, fill, reason, detail)
	}
	trade, err := e.ledger.Close(pos.Instrument, fill, reason, detail, e.now())
	if err != nil {
		decision.Result = "ledger_error"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		slog.Error("ledger invariant violated", "instrument", pos.Instrument, "order_id", ref.ID, "error", err)
		return err
	}
	if err := e.recorder.Record(trade); err != nil {
		slog.Warn("trade kept in memory only", "trade_id", trade.ID, "error", err)
	}

	decision.Result = "closed"
	decision.FillPrice = fill
	e.appendDecision(decision)
	slog.Info("position closed", "instrument", trade.Instrument, "qty", trade.Qty, "entry", trade.EntryPrice, "exit", trade.ExitPrice, "pnl", trade.PnL, "pnl_pct", trade.PnLPct, "reason", trade.Detail)
	return nil
}

// partialExit books the filled part of an exit and leaves the remainder in
// the ledger, so the next pass only sells what is still held.
func (e *Engine) partialExit(decision Decision, pos state.Position, filled int, fill float64, reason state.ExitReason, detail string) error {
	trade, err := e.ledger.Reduce(pos.Instrument, filled, fill, reason, detail, e.now())
	if err != nil {
		decision.Result = "ledger_error"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		slog.Error("ledger invariant violated", "instrument", pos.Instrument, "order_id", decision.OrderID, "error", err)
		return err
	}
	if err := e.recorder.Record(trade); err != nil {
		slog.Warn("trade kept in memory only", "trade_id", trade.ID, "error", err)
	}

	remaining := pos.Qty - filled
	decision.Result = "partial_exit"
	decision.FillPrice = fill
	err = fmt.Errorf("exit %s partially filled: %d of %d, %d left", pos.Instrument, filled, pos.Qty, remaining)
	decision.RejectReason = err.Error()
	e.appendDecision(decision)
	slog.Warn("exit partially filled, retrying remainder next pass", "instrument", pos.Instrument, "order_id", decision.OrderID, "filled", filled, "remaining", remaining, "pnl", trade.PnL)
	return err
}

// scanEntries walks the watchlist in order and acts on the first triggered
// signal only. It reports whether a position was opened.
func (e *Engine) scanEntries(ctx context.Context, current session.Name) bool {
	params := e.clock.Params(current)
	for _, instrument := range e.cfg.Watchlist {
		if ctx.Err() != nil {
			return false
		}
		if e.ledger.Has(instrument) {
			continue
		}
		quote, err := e.broker.Quote(ctx, instrument)
		price := quote.Price()
		if err != nil || price <= 0 {
			slog.Warn("quote unavailable", "instrument", instrument, "error", err)
			continue
		}

		signal := e.strategy.Evaluate(instrument, price, e.fetchBars(ctx, instrument), params)
		if !signal.Triggered {
			slog.Debug("no entry", "instrument", instrument, "reason", signal.Reason)
			continue
		}
		slog.Info("entry signal", "instrument", instrument, "price", price, "stop", signal.StopLoss, "long_votes", signal.Count(strategy.Buy), "reason", signal.Reason)
		return e.enter(ctx, signal, current, params)
	}
	return false
}

func (e *Engine) fetchBars(ctx context.Context, instrument string) map[md.Timeframe][]md.Bar {
	out := make(map[md.Timeframe][]md.Bar, len(e.cfg.Timeframes))
	for _, tf := range e.cfg.Timeframes {
		bars, err := e.broker.Bars(ctx, instrument, tf, e.cfg.BarLookback)
		if err != nil {
			slog.Debug("bars unavailable", "instrument", instrument, "timeframe", tf, "error", err)
			continue
		}
		out[tf] = bars
	}
	return out
}

func (e *Engine) enter(ctx context.Context, signal strategy.Signal, current session.Name, params session.Params) bool {
	qty := risk.Size(signal.EntryPrice, signal.StopLoss, e.accountValue, e.cfg.RiskFraction, e.cfg.MaxCapitalFraction)
	intent := strategy.TradeIntent{
		Instrument: signal.Instrument,
		Action:     strategy.Buy,
		Qty:        qty,
		Price:      signal.EntryPrice,
		Reason:     signal.Reason,
	}
	decision := e.newDecision(current, intent)
	decision.Votes = signal.Votes

	approved, err := e.gate.Evaluate(intent, risk.RiskContext{
		Price:         signal.EntryPrice,
		HasPosition:   e.ledger.Has(signal.Instrument),
		OpenPositions: e.ledger.Len(),
		MaxPositions:  e.cfg.MaxPositions,
		MaxNotional:   e.cfg.MaxNotional,
		KillSwitch:    e.cfg.KillSwitch,
	})
	if err != nil {
		decision.Result = "rejected"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		return false
	}

	limit := LimitPrice(signal.EntryPrice, current)
	req := broker.OrderRequest{
		Instrument:    signal.Instrument,
		Qty:           approved.Intent.Qty,
		Side:          broker.Buy,
		Kind:          broker.Limit,
		LimitPrice:    &limit,
		ClientOrderID: e.nextClientOrderID(),
		ExtendedHours: current != session.Regular,
	}
	decision.ClientOrderID = req.ClientOrderID
	ref, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		decision.Result = "order_failed"
		decision.RejectReason = err.Error()
		e.appendDecision(decision)
		slog.Error("entry order failed", "instrument", signal.Instrument, "error", err)
		return false
	}
	decision.OrderID = ref.ID

	status, err := broker.AwaitFill(ctx, e.broker, ref.ID, e.cfg.FillAttempts, e.cfg.FillDelay)
	if err != nil || status.State != broker.Filled {
		e.cancel(ref.ID)
		if final, statusErr := e.broker.OrderStatus(ctx, ref.ID); statusErr == nil && final.FilledQty > 0 {
			status = final
		} else {
			decision.Result = "entry_cancelled"
			if err != nil {
				decision.RejectReason = err.Error()
			}
			e.appendDecision(decision)
			slog.Info("entry not filled, cancelled", "instrument", signal.Instrument, "order_id", ref.ID, "error", err)
			return false
		}
	}

	fill := status.AvgFillPrice
	if fill <= 0 {
		fill = limit
	}
	filledQty := status.FilledQty
	if filledQty <= 0 {
		filledQty = req.Qty
	}
	pos, ok := e.ledger.Open(signal.Instrument, fill, filledQty, current, params, e.now())
	if !ok {
		decision.Result = "ledger_error"
		decision.RejectReason = "position_exists"
		e.appendDecision(decision)
		slog.Error("ledger already holds instrument", "instrument", signal.Instrument, "order_id", ref.ID)
		return false
	}

	decision.Result = "opened"
	decision.FillPrice = fill
	decision.IntentQty = filledQty
	e.appendDecision(decision)
	slog.Info("position opened", "instrument", pos.Instrument, "qty", pos.Qty, "entry", pos.EntryPrice, "stop", pos.StopLoss, "target_pct", pos.ProfitTarget*100, "session", pos.Session)
	return true
}

func (e *Engine) cancel(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		slog.Warn("cancel order failed", "order_id", orderID, "error", err)
	}
}

// LimitPrice lifts the entry price slightly so the limit order is marketable:
// 0.1% in the regular session, 0.2% outside it, rounded to cents.
func LimitPrice(price float64, current session.Name) float64 {
	uplift := decimal.NewFromFloat(1.002)
	if current == session.Regular {
		uplift = decimal.NewFromFloat(1.001)
	}
	limit, _ := decimal.NewFromFloat(price).Mul(uplift).Round(2).Float64()
	return limit
}

func (e *Engine) shutdown() error {
	e.setPhase(Flushing)
	timeout := e.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if n := e.ledger.Len(); n > 0 {
		slog.Info("shutdown flush", "open", n)
		if err = e.flush(ctx, state.ExitShutdown); err != nil {
			slog.Error("shutdown flush incomplete", "remaining", e.ledger.Len(), "error", err)
		}
	}
	e.setPhase(Stopped)
	e.logFinalStats()
	return err
}

func (e *Engine) logFinalStats() {
	summary := e.recorder.Summary()
	slog.Info("final statistics",
		"run_id", e.runID,
		"trades", summary.Count,
		"wins", summary.Wins,
		"losses", summary.Losses,
		"win_rate_pct", summary.WinRate*100,
		"total_pnl", summary.TotalPnL,
		"final_account_value", e.cfg.AccountValue+summary.TotalPnL,
	)
}

func (e *Engine) reportStatus(ctx context.Context, now time.Time, current session.Name) {
	positions := e.ledger.Positions()
	slog.Info("status",
		"time", now.In(e.clock.Location()).Format("2006-01-02 15:04:05 MST"),
		"session", current,
		"open", len(positions),
		"max", e.cfg.MaxPositions,
		"trades_today", e.recorder.DailyCount(now),
		"pnl_today", e.recorder.DailyPnL(now),
	)
	for _, pos := range positions {
		quote, err := e.broker.Quote(ctx, pos.Instrument)
		if err != nil || quote.Price() <= 0 {
			slog.Info("position", "instrument", pos.Instrument, "qty", pos.Qty, "entry", pos.EntryPrice, "stop", pos.StopLoss, "price", "n/a")
			continue
		}
		price := quote.Price()
		slog.Info("position",
			"instrument", pos.Instrument,
			"qty", pos.Qty,
			"entry", pos.EntryPrice,
			"price", price,
			"stop", pos.StopLoss,
			"unrealized_pnl", pos.UnrealizedPnL(price),
			"return_pct", pos.Return(price)*100,
			"session", pos.Session,
		)
	}
}

func (e *Engine) newDecision(current session.Name, intent strategy.TradeIntent) Decision {
	return Decision{
		RunID:      e.runID,
		Timestamp:  e.now().UTC(),
		Session:    current,
		Instrument: intent.Instrument,
		Price:      intent.Price,
		Intent:     intent.Action,
		IntentQty:  intent.Qty,
		Reason:     intent.Reason,
	}
}

func (e *Engine) appendDecision(d Decision) {
	if e.decisions == nil {
		return
	}
	e.decisions.Append(d)
}

func (e *Engine) nextClientOrderID() string {
	seq := atomic.AddUint64(&e.orderSeqNum, 1)
	return fmt.Sprintf("%s-%d", e.runID, seq)
}

package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// reconcile refreshes the sizing account value and reports any drift between
// broker positions and the ledger. It runs inline on the loop; the ledger is
// never modified here.
func (e *Engine) reconcile(ctx context.Context) {
	value, err := e.broker.AccountValue(ctx)
	if err != nil {
		slog.Warn("reconcile account failed", "error", err)
	} else if value > 0 {
		e.accountValue = value
		slog.Info("account value refreshed", "value", value)
	}

	positions, err := e.broker.Positions(ctx)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("reconcile positions failed", "status", apiErr.StatusCode, "message", apiErr.Message)
		} else {
			slog.Warn("reconcile positions failed", "error", err)
		}
		return
	}

	held := make(map[string]int, len(positions))
	for _, p := range positions {
		held[p.Instrument] = p.Qty
	}
	mismatches := 0
	for _, pos := range e.ledger.Positions() {
		qty, ok := held[pos.Instrument]
		delete(held, pos.Instrument)
		if ok && qty == pos.Qty {
			continue
		}
		mismatches++
		slog.Warn("reconcile mismatch", "instrument", pos.Instrument, "ledger_qty", pos.Qty, "broker_qty", qty)
	}
	for instrument, qty := range held {
		mismatches++
		slog.Warn("reconcile mismatch", "instrument", instrument, "ledger_qty", 0, "broker_qty", qty)
	}
	slog.Info("reconcile complete", "broker_positions", len(positions), "ledger_positions", e.ledger.Len(), "mismatches", mismatches)
}

package risk

import (
	"fmt"
	"log/slog"

	"sessionbot/internal/strategy"
)

type RiskContext struct {
	Price         float64
	HasPosition   bool
	OpenPositions int
	MaxPositions  int
	MaxNotional   float64
	KillSwitch    bool
}

type ApprovedIntent struct {
	Intent strategy.TradeIntent
	Reason string
}

type Gate struct{}

// Evaluate approves or rejects an order intent. Exits are never blocked by
// the kill switch so a halted bot can still flatten.
func (g Gate) Evaluate(intent strategy.TradeIntent, ctx RiskContext) (ApprovedIntent, error) {
	notional := ctx.Price * float64(intent.Qty)

	if intent.Action == strategy.Hold {
		return ApprovedIntent{Intent: intent, Reason: "hold"}, nil
	}

	slog.Info("risk evaluation", "instrument", intent.Instrument, "intent", intent.Action, "qty", intent.Qty, "price", ctx.Price, "notional", notional, "open_positions", ctx.OpenPositions)

	if intent.Qty <= 0 {
		slog.Info("risk rejected", "reason", "invalid_quantity", "qty", intent.Qty)
		return ApprovedIntent{}, fmt.Errorf("invalid_quantity")
	}
	if intent.Action == strategy.Sell {
		if !ctx.HasPosition {
			slog.Info("risk rejected", "reason", "no_position_to_sell", "instrument", intent.Instrument)
			return ApprovedIntent{}, fmt.Errorf("no_position_to_sell")
		}
		return ApprovedIntent{Intent: intent, Reason: "exit"}, nil
	}

	if ctx.KillSwitch {
		slog.Info("risk rejected", "reason", "kill_switch_enabled")
		return ApprovedIntent{}, fmt.Errorf("kill_switch_enabled")
	}
	if ctx.HasPosition {
		slog.Info("risk rejected", "reason", "position_exists", "instrument", intent.Instrument)
		return ApprovedIntent{}, fmt.Errorf("position_exists")
	}
	if ctx.MaxPositions > 0 && ctx.OpenPositions >= ctx.MaxPositions {
		slog.Info("risk rejected", "reason", "max_positions_reached", "open", ctx.OpenPositions, "max", ctx.MaxPositions)
		return ApprovedIntent{}, fmt.Errorf("max_positions_reached")
	}
	if ctx.MaxNotional > 0 && notional > ctx.MaxNotional {
		slog.Info("risk rejected", "reason", "max_notional_exceeded", "notional", notional, "max", ctx.MaxNotional)
		return ApprovedIntent{}, fmt.Errorf("max_notional_exceeded")
	}

	slog.Info("risk approved", "instrument", intent.Instrument, "intent", intent.Action, "qty", intent.Qty, "reason", intent.Reason)
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}

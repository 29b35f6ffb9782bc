package risk

import (
	"testing"

	"sessionbot/internal/strategy"
)

func TestGateRejectsKillSwitch(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Buy, Qty: 1}
	ctx := RiskContext{
		Price:        100,
		MaxPositions: 3,
		KillSwitch:   true,
	}

	if _, err := gate.Evaluate(intent, ctx); err == nil {
		t.Fatalf("expected kill switch rejection")
	}
}

func TestGateAllowsExitWithKillSwitch(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Sell, Qty: 5}
	ctx := RiskContext{
		Price:       100,
		HasPosition: true,
		KillSwitch:  true,
	}

	if _, err := gate.Evaluate(intent, ctx); err != nil {
		t.Fatalf("expected exit approval, got %v", err)
	}
}

func TestGateRejectsExistingPosition(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Buy, Qty: 1}
	ctx := RiskContext{
		Price:        100,
		HasPosition:  true,
		MaxPositions: 3,
	}

	_, err := gate.Evaluate(intent, ctx)
	if err == nil || err.Error() != "position_exists" {
		t.Fatalf("expected position_exists, got %v", err)
	}
}

func TestGateRejectsMaxPositions(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "MSFT", Action: strategy.Buy, Qty: 1}
	ctx := RiskContext{
		Price:         100,
		OpenPositions: 3,
		MaxPositions:  3,
	}

	if _, err := gate.Evaluate(intent, ctx); err == nil {
		t.Fatalf("expected max positions rejection")
	}
}

func TestGateRejectsMaxNotional(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Buy, Qty: 2}
	ctx := RiskContext{
		Price:        100,
		MaxPositions: 5,
		MaxNotional:  150,
	}

	if _, err := gate.Evaluate(intent, ctx); err == nil {
		t.Fatalf("expected max notional rejection")
	}
}

func TestGateRejectsSellWithoutPosition(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Sell, Qty: 2}

	if _, err := gate.Evaluate(intent, RiskContext{Price: 100}); err == nil {
		t.Fatalf("expected no position rejection")
	}
}

func TestGateApprovesValidBuy(t *testing.T) {
	gate := Gate{}
	intent := strategy.TradeIntent{Instrument: "AAPL", Action: strategy.Buy, Qty: 1}
	ctx := RiskContext{
		Price:        100,
		MaxPositions: 5,
		MaxNotional:  500,
	}

	if _, err := gate.Evaluate(intent, ctx); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
}

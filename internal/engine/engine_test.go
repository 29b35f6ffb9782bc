package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionbot/internal/broker"
	"sessionbot/internal/config"
	"sessionbot/internal/journal"
	"sessionbot/internal/md"
	"sessionbot/internal/risk"
	"sessionbot/internal/session"
	"sessionbot/internal/state"
	"sessionbot/internal/strategy"
)

var testNow = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

type fakeClock struct {
	name session.Name
}

func (c *fakeClock) Current(time.Time) session.Name { return c.name }

func (c *fakeClock) Params(name session.Name) session.Params {
	if p, ok := session.DefaultTable()[name]; ok {
		return p
	}
	return session.DefaultParams
}

func (c *fakeClock) Location() *time.Location { return time.UTC }

// flakyGateway lets a test hold fills pending or reject orders outright.
type flakyGateway struct {
	*broker.Sim
	stuckFills   bool
	rejectOrders bool
	cancelled    []string
}

func (g *flakyGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	if g.rejectOrders {
		return broker.OrderRef{}, errors.New("broker unavailable")
	}
	return g.Sim.PlaceOrder(ctx, req)
}

func (g *flakyGateway) OrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	if g.stuckFills {
		return broker.OrderStatus{ID: orderID, State: broker.Pending}, nil
	}
	return g.Sim.OrderStatus(ctx, orderID)
}

func (g *flakyGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.cancelled = append(g.cancelled, orderID)
	return g.Sim.CancelOrder(ctx, orderID)
}

// slowSellGateway reports sell orders as pending until they are cancelled,
// while the broker underneath has already filled them. With partialQty set,
// only that many shares of each sell actually fill.
type slowSellGateway struct {
	*broker.Sim
	partialQty int
	sells      map[string]bool
	cancelled  map[string]bool
}

func newSlowSellGateway(sim *broker.Sim) *slowSellGateway {
	return &slowSellGateway{Sim: sim, sells: map[string]bool{}, cancelled: map[string]bool{}}
}

func (g *slowSellGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	if req.Side != broker.Sell {
		return g.Sim.PlaceOrder(ctx, req)
	}
	if g.partialQty > 0 && g.partialQty < req.Qty {
		req.Qty = g.partialQty
	}
	ref, err := g.Sim.PlaceOrder(ctx, req)
	if err == nil {
		g.sells[ref.ID] = true
	}
	return ref, err
}

func (g *slowSellGateway) OrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	status, err := g.Sim.OrderStatus(ctx, orderID)
	if err != nil || !g.sells[orderID] {
		return status, err
	}
	if !g.cancelled[orderID] {
		return broker.OrderStatus{ID: orderID, State: broker.Pending}, nil
	}
	if g.partialQty > 0 {
		status.State = broker.Cancelled
	}
	return status, nil
}

func (g *slowSellGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.cancelled[orderID] = true
	return g.Sim.CancelOrder(ctx, orderID)
}

func flatBars(n int, level float64) []md.Bar {
	bars := make([]md.Bar, n)
	for i := range bars {
		bars[i] = md.Bar{
			Time:   testNow.Add(-time.Duration(n-1-i) * 5 * time.Minute),
			Open:   level,
			High:   level + 0.5,
			Low:    level - 0.5,
			Close:  level,
			Volume: 1000,
		}
	}
	return bars
}

// newSim quotes each instrument at its price over a flat 100 channel, so
// any price above 100.5 is a breakout.
func newSim(prices map[string]float64) *broker.Sim {
	sim := broker.NewSim(10000, 1, broker.WithVolatility(0), broker.WithClock(func() time.Time { return testNow }))
	for instrument, price := range prices {
		sim.SeedBars(instrument, md.FiveMinutes, flatBars(30, 100))
		sim.SetPrice(instrument, price)
	}
	return sim
}

func newTestEngine(t *testing.T, gw broker.Gateway, clock SessionClock, watchlist ...string) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Watchlist = watchlist
	cfg.Timeframes = []md.Timeframe{md.FiveMinutes}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ClosedInterval = 5 * time.Millisecond
	cfg.EntryPause = 0
	cfg.FillAttempts = 3
	cfg.FillDelay = time.Millisecond
	cfg.StatusEvery = 1
	cfg.ReconcileEvery = 0
	cfg.FlushTimeout = time.Second

	e := New(cfg, clock, strategy.NewEvaluator(cfg.Timeframes), risk.Gate{}, gw, state.NewLedger(), journal.NewRecorder(time.UTC, nil), nil, "test-run")
	e.now = func() time.Time { return testNow }
	return e
}

func TestRunOnceActsOnFirstTriggeredSignalOnly(t *testing.T) {
	sim := newSim(map[string]float64{"AAA": 100, "BBB": 102, "CCC": 103})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "AAA", "BBB", "CCC")

	wait, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.cfg.PollInterval+e.cfg.EntryPause, wait)

	assert.Equal(t, 1, e.ledger.Len())
	pos, ok := e.ledger.Get("BBB")
	require.True(t, ok)
	assert.Equal(t, 9, pos.Qty)
	assert.InDelta(t, 102, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 102*0.99, pos.StopLoss, 1e-9)
	assert.Equal(t, session.Regular, pos.Session)
	assert.False(t, e.ledger.Has("CCC"))
}

func TestRunOnceSkipsScanAtCapacity(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102, "CCC": 103})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "BBB", "CCC")
	e.cfg.MaxPositions = 1

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, e.ledger.Len())
	assert.True(t, e.ledger.Has("BBB"))
}

func TestStopLossExit(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, e.ledger.Has("BBB"))

	sim.SetPrice("BBB", 100)
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, e.ledger.Len())
	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, string(state.ExitStopLoss), trades[0].Reason)
	assert.InDelta(t, -18, trades[0].PnL, 1e-9)
	assert.NotEmpty(t, trades[0].ID)
}

func TestSessionChangeForcesExit(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	clock := &fakeClock{name: session.Regular}
	e := newTestEngine(t, sim, clock, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, e.ledger.Has("BBB"))

	clock.name = session.AfterHours
	e.cfg.KillSwitch = true
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, e.ledger.Len())
	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, string(state.ExitSessionChanged), trades[0].Reason)
	assert.Equal(t, string(session.Regular), trades[0].Session)
}

func TestMarketClosedFlushesAndWaits(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	clock := &fakeClock{name: session.Regular}
	e := newTestEngine(t, sim, clock, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	clock.name = session.Closed
	wait, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.cfg.ClosedInterval, wait)
	assert.Equal(t, Waiting, e.Phase())
	assert.Equal(t, 0, e.ledger.Len())

	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, string(state.ExitMarketClosed), trades[0].Reason)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Night}, "BBB")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	assert.Equal(t, Stopped, e.Phase())
	assert.Equal(t, 0, e.ledger.Len())
	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, string(state.ExitShutdown), trades[0].Reason)

	positions, err := sim.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestShutdownReportsFlushFailures(t *testing.T) {
	gw := &flakyGateway{Sim: newSim(map[string]float64{"BBB": 102})}
	e := newTestEngine(t, gw, &fakeClock{name: session.Regular}, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	gw.rejectOrders = true
	err = e.shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush BBB")
	assert.Equal(t, Stopped, e.Phase())
	assert.True(t, e.ledger.Has("BBB"))
}

func TestEntryNotFilledIsCancelled(t *testing.T) {
	gw := &flakyGateway{Sim: newSim(map[string]float64{"BBB": 102}), stuckFills: true}
	e := newTestEngine(t, gw, &fakeClock{name: session.Regular}, "BBB")

	wait, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.cfg.PollInterval, wait)
	assert.Equal(t, 0, e.ledger.Len())
	assert.Len(t, gw.cancelled, 1)
}

func TestExitFailureRetriedNextPass(t *testing.T) {
	gw := &flakyGateway{Sim: newSim(map[string]float64{"BBB": 102})}
	e := newTestEngine(t, gw, &fakeClock{name: session.Regular}, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	gw.SetPrice("BBB", 100)
	gw.rejectOrders = true
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, e.ledger.Has("BBB"))
	assert.Equal(t, 0, e.recorder.Len())

	gw.rejectOrders = false
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, e.ledger.Has("BBB"))
	assert.Equal(t, 1, e.recorder.Len())
}

func TestExitFilledBeforeCancelClosesPosition(t *testing.T) {
	gw := newSlowSellGateway(newSim(map[string]float64{"BBB": 102}))
	e := newTestEngine(t, gw, &fakeClock{name: session.Regular}, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, e.ledger.Has("BBB"))

	gw.SetPrice("BBB", 100)
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, e.ledger.Has("BBB"))
	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, 9, trades[0].Qty)
	assert.InDelta(t, -18, trades[0].PnL, 1e-9)

	positions, err := gw.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, gw.sells, 1)
	assert.Equal(t, 1, e.recorder.Len())
}

func TestPartialExitSellsOnlyRemainder(t *testing.T) {
	gw := newSlowSellGateway(newSim(map[string]float64{"BBB": 102}))
	e := newTestEngine(t, gw, &fakeClock{name: session.Regular}, "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	gw.SetPrice("BBB", 100)
	gw.partialQty = 4
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	pos, ok := e.ledger.Get("BBB")
	require.True(t, ok)
	assert.Equal(t, 5, pos.Qty)
	trades := e.recorder.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, 4, trades[0].Qty)
	assert.InDelta(t, -8, trades[0].PnL, 1e-9)

	gw.partialQty = 0
	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, e.ledger.Has("BBB"))
	trades = e.recorder.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, 5, trades[1].Qty)
	assert.InDelta(t, -10, trades[1].PnL, 1e-9)

	positions, err := gw.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestKillSwitchBlocksEntries(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "BBB")
	e.cfg.KillSwitch = true

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, e.ledger.Len())
}

func TestMissingQuoteSkipsInstrument(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "ZZZ", "BBB")

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, e.ledger.Has("BBB"))
}

func TestDecisionLogRecordsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.ndjson")
	decisions, err := NewDecisionLogger(path, "test-run")
	require.NoError(t, err)

	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "BBB")
	e.decisions = decisions

	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, decisions.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"result":"opened"`)
	assert.Contains(t, lines[0], `"instrument":"BBB"`)
	assert.Contains(t, lines[0], `"client_order_id":"test-run-1"`)
	assert.Contains(t, lines[0], `"source":"breakout"`)
}

func TestReconcileRefreshesAccountValue(t *testing.T) {
	sim := newSim(map[string]float64{"BBB": 102})
	e := newTestEngine(t, sim, &fakeClock{name: session.Regular}, "BBB")
	e.accountValue = 1

	e.reconcile(context.Background())
	assert.InDelta(t, 10000, e.accountValue, 1e-9)
}

func TestLimitPrice(t *testing.T) {
	assert.InDelta(t, 100.10, LimitPrice(100, session.Regular), 1e-9)
	assert.InDelta(t, 100.20, LimitPrice(100, session.PreMarket), 1e-9)
	assert.InDelta(t, 100.20, LimitPrice(100, session.Night), 1e-9)
	assert.InDelta(t, 123.58, LimitPrice(123.456, session.Regular), 1e-9)
}

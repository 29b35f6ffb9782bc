package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"sessionbot/internal/id"
	"sessionbot/internal/md"
)

const simHistory = 120

// Sim is an in-process paper gateway. Prices follow a seeded random walk
// and orders fill immediately when marketable.
type Sim struct {
	mu         sync.Mutex
	rng        *rand.Rand
	now        func() time.Time
	volatility float64
	cash       float64
	prices     map[string]float64
	bars       map[string]map[md.Timeframe]*md.RingBuffer
	orders     map[string]*OrderStatus
	positions  map[string]*Position
}

type SimOption func(*Sim)

// WithClock replaces time.Now for bar timestamps.
func WithClock(now func() time.Time) SimOption {
	return func(s *Sim) { s.now = now }
}

// WithVolatility sets the per-step standard deviation of returns.
func WithVolatility(v float64) SimOption {
	return func(s *Sim) { s.volatility = v }
}

func NewSim(cash float64, seed int64, opts ...SimOption) *Sim {
	s := &Sim{
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
		volatility: 0.002,
		cash:       cash,
		prices:     make(map[string]float64),
		bars:       make(map[string]map[md.Timeframe]*md.RingBuffer),
		orders:     make(map[string]*OrderStatus),
		positions:  make(map[string]*Position),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPrice pins the current price of an instrument.
func (s *Sim) SetPrice(instrument string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[instrument] = price
}

// SeedBars replaces the bar history for one timeframe.
func (s *Sim) SeedBars(instrument string, tf md.Timeframe, bars []md.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := md.NewRingBuffer(simHistory)
	for _, b := range bars {
		buf.Add(b)
	}
	s.series(instrument)[tf] = buf
	if len(bars) > 0 {
		if _, ok := s.prices[instrument]; !ok {
			s.prices[instrument] = bars[len(bars)-1].Close
		}
	}
}

func (s *Sim) Quote(ctx context.Context, instrument string) (md.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[instrument]
	if !ok || price <= 0 {
		return md.Quote{}, fmt.Errorf("quote %s: %w", instrument, ErrDataUnavailable)
	}
	price = s.step(price)
	s.prices[instrument] = price
	spread := math.Max(0.01, price*0.0002)
	return md.Quote{Last: price, Bid: price - spread/2, Ask: price + spread/2}, nil
}

func (s *Sim) Bars(ctx context.Context, instrument string, tf md.Timeframe, lookback time.Duration) ([]md.Bar, error) {
	width := tf.Duration()
	if width <= 0 {
		return nil, fmt.Errorf("unsupported timeframe: %s", tf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[instrument]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("bars %s %s: %w", instrument, tf, ErrDataUnavailable)
	}
	buf, ok := s.series(instrument)[tf]
	if !ok {
		buf = s.backfill(price, width)
		s.series(instrument)[tf] = buf
	}
	now := s.now()
	if last, ok := buf.Last(); !ok || now.Sub(last.Time) >= width {
		open := price
		if ok {
			open = last.Close
		}
		buf.Add(md.Bar{
			Time:   now.Truncate(width),
			Open:   open,
			High:   math.Max(open, price),
			Low:    math.Min(open, price),
			Close:  price,
			Volume: float64(1000 + s.rng.Intn(9000)),
		})
	}

	cutoff := now.Add(-lookback)
	var out []md.Bar
	for _, b := range buf.Values() {
		if lookback > 0 && b.Time.Before(cutoff) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bars %s %s: %w", instrument, tf, ErrDataUnavailable)
	}
	return out, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if req.Qty <= 0 {
		return OrderRef{}, fmt.Errorf("invalid quantity: %d", req.Qty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[req.Instrument]
	if !ok || price <= 0 {
		return OrderRef{}, fmt.Errorf("order %s: %w", req.Instrument, ErrDataUnavailable)
	}

	status := &OrderStatus{ID: id.New(), State: Pending}
	s.orders[status.ID] = status

	marketable := req.Kind == Market || req.LimitPrice == nil
	fill := price
	if !marketable {
		limit := *req.LimitPrice
		switch req.Side {
		case Buy:
			marketable = limit >= price
		case Sell:
			marketable = limit <= price
		}
	}
	if marketable {
		if err := s.apply(req, fill); err != nil {
			status.State = Cancelled
			slog.Warn("sim order rejected", "order_id", status.ID, "instrument", req.Instrument, "error", err)
			return OrderRef{ID: status.ID, ClientOrderID: req.ClientOrderID, Status: string(status.State)}, err
		}
		status.State = Filled
		status.FilledQty = req.Qty
		status.AvgFillPrice = fill
	}

	slog.Info("sim order placed", "order_id", status.ID, "side", req.Side, "instrument", req.Instrument, "qty", req.Qty, "kind", req.Kind, "state", status.State)
	return OrderRef{ID: status.ID, ClientOrderID: req.ClientOrderID, Status: string(status.State)}, nil
}

func (s *Sim) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("order not found: %s", orderID)
	}
	return *status, nil
}

func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}
	if status.State == Pending {
		status.State = Cancelled
	}
	return nil
}

func (s *Sim) AccountValue(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.cash
	for instrument, pos := range s.positions {
		value += float64(pos.Qty) * s.prices[instrument]
	}
	return value, nil
}

func (s *Sim) Positions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (s *Sim) apply(req OrderRequest, price float64) error {
	pos := s.positions[req.Instrument]
	switch req.Side {
	case Buy:
		cost := float64(req.Qty) * price
		if cost > s.cash {
			return fmt.Errorf("insufficient cash: need %.2f have %.2f", cost, s.cash)
		}
		s.cash -= cost
		if pos == nil {
			s.positions[req.Instrument] = &Position{Instrument: req.Instrument, Qty: req.Qty, AvgEntry: price}
			return nil
		}
		total := pos.AvgEntry*float64(pos.Qty) + cost
		pos.Qty += req.Qty
		pos.AvgEntry = total / float64(pos.Qty)
	case Sell:
		if pos == nil || pos.Qty < req.Qty {
			return fmt.Errorf("no position to sell: %s", req.Instrument)
		}
		s.cash += float64(req.Qty) * price
		pos.Qty -= req.Qty
		if pos.Qty == 0 {
			delete(s.positions, req.Instrument)
		}
	default:
		return fmt.Errorf("unknown side: %s", req.Side)
	}
	return nil
}

func (s *Sim) step(price float64) float64 {
	if s.volatility <= 0 {
		return price
	}
	next := price * (1 + s.rng.NormFloat64()*s.volatility)
	return math.Max(0.01, math.Round(next*100)/100)
}

func (s *Sim) series(instrument string) map[md.Timeframe]*md.RingBuffer {
	m, ok := s.bars[instrument]
	if !ok {
		m = make(map[md.Timeframe]*md.RingBuffer)
		s.bars[instrument] = m
	}
	return m
}

// backfill walks backwards from price so the newest synthetic close is price.
func (s *Sim) backfill(price float64, width time.Duration) *md.RingBuffer {
	closes := make([]float64, simHistory-1)
	p := price
	for i := len(closes) - 1; i >= 0; i-- {
		closes[i] = p
		p = s.step(p)
	}
	buf := md.NewRingBuffer(simHistory)
	start := s.now().Truncate(width).Add(-time.Duration(len(closes)) * width)
	prev := closes[0]
	for i, c := range closes {
		buf.Add(md.Bar{
			Time:   start.Add(time.Duration(i) * width),
			Open:   prev,
			High:   math.Max(prev, c),
			Low:    math.Min(prev, c),
			Close:  c,
			Volume: float64(1000 + s.rng.Intn(9000)),
		})
		prev = c
	}
	return buf
}

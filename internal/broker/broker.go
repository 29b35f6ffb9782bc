package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessionbot/internal/md"
)

var (
	// ErrDataUnavailable means a quote or bar request returned nothing usable.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrOrderTimeout means fill polling gave up before a terminal status.
	ErrOrderTimeout = errors.New("order fill timeout")
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type OrderKind string

const (
	Market OrderKind = "market"
	Limit  OrderKind = "limit"
)

type OrderRequest struct {
	Instrument    string
	Qty           int
	Side          Side
	Kind          OrderKind
	ClientOrderID string
	ExtendedHours bool
	LimitPrice    *float64
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Status        string
}

type FillState string

const (
	Pending   FillState = "pending"
	Filled    FillState = "filled"
	Cancelled FillState = "cancelled"
)

type OrderStatus struct {
	ID           string
	State        FillState
	FilledQty    int
	AvgFillPrice float64
}

type Position struct {
	Instrument string
	Qty        int
	AvgEntry   float64
}

// Gateway is everything the strategy loop needs from a broker.
type Gateway interface {
	Quote(ctx context.Context, instrument string) (md.Quote, error)
	Bars(ctx context.Context, instrument string, tf md.Timeframe, lookback time.Duration) ([]md.Bar, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	AccountValue(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Position, error)
}

// AwaitFill polls an order until it is filled or cancelled, checking up to
// attempts times with delay between checks. It returns ErrOrderTimeout if
// the order is still pending afterwards.
func AwaitFill(ctx context.Context, gw Gateway, orderID string, attempts int, delay time.Duration) (OrderStatus, error) {
	var last OrderStatus
	for i := 0; i < attempts; i++ {
		status, err := gw.OrderStatus(ctx, orderID)
		if err != nil {
			return last, fmt.Errorf("order status %s: %w", orderID, err)
		}
		last = status
		if status.State == Filled || status.State == Cancelled {
			return status, nil
		}
		if i < attempts-1 {
			if err := WaitForContext(ctx, delay); err != nil {
				return last, err
			}
		}
	}
	return last, fmt.Errorf("order %s after %d checks: %w", orderID, attempts, ErrOrderTimeout)
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"sessionbot/internal/md"
)

// Client is the Alpaca implementation of Gateway.
type Client struct {
	client *alpaca.Client
	data   *marketdata.Client
}

func New(apiKey, apiSecret, baseURL, feed string) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Feed:      parseFeed(feed),
	}
	return &Client{
		client: alpaca.NewClient(opts),
		data:   marketdata.NewClient(dataOpts),
	}
}

func (c *Client) Quote(ctx context.Context, instrument string) (md.Quote, error) {
	var q md.Quote
	trade, err := c.data.GetLatestTrade(instrument, marketdata.GetLatestTradeRequest{})
	if err != nil {
		slog.Warn("fetch latest trade failed", "instrument", instrument, "error", err)
	} else if trade != nil {
		q.Last = trade.Price
	}
	quote, err := c.data.GetLatestQuote(instrument, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		slog.Warn("fetch latest quote failed", "instrument", instrument, "error", err)
	} else if quote != nil {
		q.Bid = quote.BidPrice
		q.Ask = quote.AskPrice
	}
	if q.Price() <= 0 {
		return q, fmt.Errorf("quote %s: %w", instrument, ErrDataUnavailable)
	}
	return q, nil
}

func (c *Client) Bars(ctx context.Context, instrument string, tf md.Timeframe, lookback time.Duration) ([]md.Bar, error) {
	timeFrame, err := parseTimeFrame(tf)
	if err != nil {
		return nil, err
	}
	bars, err := c.data.GetBars(instrument, marketdata.GetBarsRequest{
		TimeFrame: timeFrame,
		Start:     time.Now().Add(-lookback),
	})
	if err != nil {
		slog.Error("fetch bars failed", "instrument", instrument, "timeframe", tf, "error", err)
		return nil, fmt.Errorf("bars %s %s: %w", instrument, tf, ErrDataUnavailable)
	}
	out := make([]md.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, md.Bar{
			Time:   b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: float64(b.Volume),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bars %s %s: %w", instrument, tf, ErrDataUnavailable)
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Instrument,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Kind),
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*req.LimitPrice).Round(2)
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		slog.Error("place order failed", "side", req.Side, "instrument", req.Instrument, "qty", req.Qty, "kind", req.Kind, "error", err)
		return OrderRef{}, err
	}

	slog.Info("place order success", "order_id", order.ID, "side", req.Side, "instrument", req.Instrument, "qty", req.Qty, "kind", req.Kind, "status", order.Status)
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	order, err := c.client.GetOrder(orderID)
	if err != nil {
		slog.Error("fetch order failed", "order_id", orderID, "error", err)
		return OrderStatus{}, err
	}
	status := OrderStatus{ID: order.ID, State: fillState(string(order.Status))}
	status.FilledQty = int(order.FilledQty.IntPart())
	if order.FilledAvgPrice != nil {
		status.AvgFillPrice, _ = order.FilledAvgPrice.Float64()
	}
	return status, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.client.CancelOrder(orderID); err != nil {
		slog.Error("cancel order failed", "order_id", orderID, "error", err)
		return err
	}
	slog.Info("order cancelled", "order_id", orderID)
	return nil
}

func (c *Client) AccountValue(ctx context.Context) (float64, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		slog.Error("fetch account failed", "error", err)
		return 0, err
	}
	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()

	slog.Info("account fetched", "equity", equity, "buying_power", buyingPower)
	return equity, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	positions, err := c.client.GetPositions()
	if err != nil {
		slog.Error("fetch positions failed", "error", err)
		return nil, err
	}
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		avgEntry, _ := pos.AvgEntryPrice.Float64()
		out = append(out, Position{
			Instrument: pos.Symbol,
			Qty:        int(pos.Qty.IntPart()),
			AvgEntry:   avgEntry,
		})
	}
	slog.Info("positions fetched", "count", len(out))
	return out, nil
}

func fillState(status string) FillState {
	switch strings.ToLower(status) {
	case "filled":
		return Filled
	case "canceled", "cancelled", "expired", "rejected", "done_for_day":
		return Cancelled
	default:
		return Pending
	}
}

func parseTimeFrame(tf md.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case md.FiveMinutes:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case md.FifteenMinutes:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case md.OneHour:
		return marketdata.OneHour, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe: %s", tf)
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

package strategy

import (
	"sessionbot/internal/md"
	"sessionbot/internal/session"
)

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// TradeIntent is an order the loop wants to place, before risk approval.
type TradeIntent struct {
	Instrument string
	Action     Action
	Qty        int
	Price      float64
	Reason     string
}

// Vote is one sub-signal's opinion on one timeframe.
type Vote struct {
	Timeframe md.Timeframe `json:"timeframe"`
	Source    string       `json:"source"`
	Action    Action       `json:"action"`
	Value     float64      `json:"value"`
}

type Signal struct {
	Instrument string
	Triggered  bool
	EntryPrice float64
	StopLoss   float64
	Votes      []Vote
	Reason     string
}

func (s Signal) Count(action Action) int {
	n := 0
	for _, v := range s.Votes {
		if v.Action == action {
			n++
		}
	}
	return n
}

type Strategy interface {
	Evaluate(instrument string, price float64, bars map[md.Timeframe][]md.Bar, params session.Params) Signal
}

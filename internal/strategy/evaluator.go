package strategy

import (
	"fmt"
	"log/slog"

	"sessionbot/internal/md"
	"sessionbot/internal/session"
)

// Evaluator combines breakout and RSI votes across timeframes.
//
// Only long entries are surfaced. A SELL majority is logged and dropped:
// the bot never opens short positions.
type Evaluator struct {
	Timeframes []md.Timeframe
	Breakout   Breakout
	RSI        RSI
}

func NewEvaluator(timeframes []md.Timeframe) *Evaluator {
	if len(timeframes) == 0 {
		timeframes = []md.Timeframe{md.FiveMinutes, md.FifteenMinutes, md.OneHour}
	}
	return &Evaluator{
		Timeframes: timeframes,
		Breakout:   NewBreakout(),
		RSI:        NewRSI(),
	}
}

func (e *Evaluator) Evaluate(instrument string, price float64, bars map[md.Timeframe][]md.Bar, params session.Params) Signal {
	signal := Signal{Instrument: instrument}
	if price <= 0 {
		signal.Reason = "no_price"
		return signal
	}

	for _, tf := range e.Timeframes {
		series := bars[tf]
		if len(series) <= e.Breakout.Lookback {
			continue
		}
		if action, ok := e.Breakout.Vote(price, series); ok {
			signal.Votes = append(signal.Votes, Vote{Timeframe: tf, Source: "breakout", Action: action, Value: price})
		}
		if action, value, ok := e.RSI.Vote(series); ok {
			signal.Votes = append(signal.Votes, Vote{Timeframe: tf, Source: "rsi", Action: action, Value: value})
		}
	}

	if len(signal.Votes) == 0 {
		signal.Reason = "insufficient_data"
		return signal
	}

	longs, shorts := signal.Count(Buy), signal.Count(Sell)
	if longs > shorts {
		signal.Triggered = true
		signal.EntryPrice = price
		signal.StopLoss = price * (1 - params.StopLossPct)
		signal.Reason = fmt.Sprintf("long_votes=%d short_votes=%d", longs, shorts)
		return signal
	}
	if shorts > longs {
		slog.Debug("short majority ignored", "instrument", instrument, "long_votes", longs, "short_votes", shorts)
	}
	signal.Reason = fmt.Sprintf("no_majority long_votes=%d short_votes=%d", longs, shorts)
	return signal
}

package md

import (
	"fmt"
	"time"
)

type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Quote is a top-of-book snapshot. Zero fields mean the broker had no data.
type Quote struct {
	Last float64
	Bid  float64
	Ask  float64
}

// Price returns the last trade, falling back to the bid/ask midpoint.
func (q Quote) Price() float64 {
	if q.Last > 0 {
		return q.Last
	}
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return 0
}

type Timeframe string

const (
	FiveMinutes    Timeframe = "5m"
	FifteenMinutes Timeframe = "15m"
	OneHour        Timeframe = "1h"
)

func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case FiveMinutes:
		return 5 * time.Minute
	case FifteenMinutes:
		return 15 * time.Minute
	case OneHour:
		return time.Hour
	default:
		return 0
	}
}

func ParseTimeframe(value string) (Timeframe, error) {
	switch Timeframe(value) {
	case FiveMinutes, FifteenMinutes, OneHour:
		return Timeframe(value), nil
	default:
		return "", fmt.Errorf("unsupported timeframe: %s", value)
	}
}

func Highs(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func Lows(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

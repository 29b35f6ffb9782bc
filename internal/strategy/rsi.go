package strategy

import (
	"github.com/markcheno/go-talib"

	"sessionbot/internal/md"
)

// RSI is a mean-reversion vote: oversold buys, overbought sells.
type RSI struct {
	Period     int
	Oversold   float64
	Overbought float64
}

func NewRSI() RSI {
	return RSI{Period: 14, Oversold: 30, Overbought: 70}
}

// RSIValue averages the last period close-to-close gains and losses with a
// plain mean, not Wilder smoothing. ok is false with fewer than period+1
// closes or when the window has no movement at all.
func RSIValue(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	window := closes[len(closes)-period-1:]
	gains := make([]float64, period)
	losses := make([]float64, period)
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains[i-1] = delta
		} else {
			losses[i-1] = -delta
		}
	}
	avgGain := last(talib.Sma(gains, period))
	avgLoss := last(talib.Sma(losses, period))
	if avgLoss == 0 {
		if avgGain == 0 {
			return 0, false
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func last(values []float64) float64 {
	return values[len(values)-1]
}

// Vote returns a BUY or SELL only outside the neutral band.
func (r RSI) Vote(bars []md.Bar) (Action, float64, bool) {
	value, ok := RSIValue(md.Closes(bars), r.Period)
	if !ok {
		return Hold, 0, false
	}
	switch {
	case value < r.Oversold:
		return Buy, value, true
	case value > r.Overbought:
		return Sell, value, true
	default:
		return Hold, value, false
	}
}

package strategy

import (
	"github.com/markcheno/go-talib"

	"sessionbot/internal/md"
)

// Breakout votes BUY above the trailing high and SELL below the trailing
// low. The trailing channel spans Lookback bars and excludes the newest one.
type Breakout struct {
	Lookback int
}

func NewBreakout() Breakout {
	return Breakout{Lookback: 20}
}

// Levels returns resistance and support. ok is false until more than
// Lookback bars are available.
func (b Breakout) Levels(bars []md.Bar) (resistance, support float64, ok bool) {
	if b.Lookback < 3 || len(bars) <= b.Lookback {
		return 0, 0, false
	}
	prior := bars[:len(bars)-1]
	period := b.Lookback - 1
	highs := talib.Max(md.Highs(prior), period)
	lows := talib.Min(md.Lows(prior), period)
	return highs[len(highs)-1], lows[len(lows)-1], true
}

func (b Breakout) Vote(price float64, bars []md.Bar) (Action, bool) {
	resistance, support, ok := b.Levels(bars)
	if !ok {
		return Hold, false
	}
	switch {
	case price > resistance:
		return Buy, true
	case price < support:
		return Sell, true
	default:
		return Hold, true
	}
}

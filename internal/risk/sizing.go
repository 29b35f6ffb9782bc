package risk

import "math"

// Size converts a risk budget into a share count.
//
// The raw size risks riskFraction of the account between entry and stop; it
// is capped so the position never costs more than maxCapitalFraction of the
// account. Any valid spread yields at least one share; invalid inputs or a
// zero spread yield zero.
func Size(entry, stop, accountValue, riskFraction, maxCapitalFraction float64) int {
	if !positive(entry) || !positive(stop) || !positive(accountValue) {
		return 0
	}
	riskPerShare := math.Abs(entry - stop)
	if !positive(riskPerShare) {
		return 0
	}

	raw := accountValue * riskFraction / riskPerShare
	capital := accountValue * maxCapitalFraction / entry
	qty := math.Max(1, math.Min(raw, capital))
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	return int(math.Floor(qty))
}

func positive(x float64) bool {
	return x > 0 && !math.IsInf(x, 0)
}

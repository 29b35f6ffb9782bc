package session

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func TestCurrentCoversEveryMinuteExactlyOnce(t *testing.T) {
	clock, err := NewDefaultClock()
	require.NoError(t, err)

	windows := DefaultWindows()
	start := time.Date(2024, 3, 5, 0, 0, 0, 0, clock.Location())
	for m := 0; m < 24*60; m++ {
		now := start.Add(time.Duration(m) * time.Minute)
		matches := 0
		for _, w := range windows {
			if w.Contains(Offset(now)) {
				matches++
			}
		}
		assert.Equal(t, 1, matches, "minute %s", now.Format("15:04"))
		assert.NotEqual(t, Closed, clock.Current(now), "minute %s", now.Format("15:04"))
	}
}

func TestCurrentBoundaries(t *testing.T) {
	loc := newYork(t)
	clock, err := NewClock(loc, DefaultWindows(), DefaultTable())
	require.NoError(t, err)

	cases := []struct {
		hour, minute int
		want         Name
	}{
		{0, 0, Night},
		{3, 59, Night},
		{4, 0, PreMarket},
		{9, 29, PreMarket},
		{9, 30, Regular},
		{15, 59, Regular},
		{16, 0, AfterHours},
		{19, 59, AfterHours},
		{20, 0, Night},
		{23, 59, Night},
	}
	for _, tc := range cases {
		now := time.Date(2024, 7, 1, tc.hour, tc.minute, 0, 0, loc)
		assert.Equal(t, tc.want, clock.Current(now), "%02d:%02d", tc.hour, tc.minute)
	}
}

func TestCurrentConvertsToExchangeTime(t *testing.T) {
	clock, err := NewDefaultClock()
	require.NoError(t, err)

	// 14:00 UTC in July is 10:00 in New York.
	now := time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, Regular, clock.Current(now))
}

func TestParamsLookup(t *testing.T) {
	clock, err := NewDefaultClock()
	require.NoError(t, err)

	for name, want := range DefaultTable() {
		assert.Equal(t, want, clock.Params(name))
	}
	assert.Equal(t, DefaultParams, clock.Params(Closed))
	assert.Equal(t, DefaultParams, clock.Params(Name("lunch")))
}

func TestNewClockRejectsGapsAndOverlaps(t *testing.T) {
	loc := newYork(t)

	gap := DefaultWindows()
	gap[1].End = 15 * time.Hour
	_, err := NewClock(loc, gap, DefaultTable())
	assert.Error(t, err)

	overlap := DefaultWindows()
	overlap[0].End = 10 * time.Hour
	_, err = NewClock(loc, overlap, DefaultTable())
	assert.Error(t, err)

	_, err = NewClock(loc, nil, DefaultTable())
	assert.Error(t, err)
}

func TestParseOffset(t *testing.T) {
	d, err := ParseOffset("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)

	d, err = ParseOffset("24:00")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = ParseOffset("9h30")
	assert.Error(t, err)
}

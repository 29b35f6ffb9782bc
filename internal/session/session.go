// Package session maps wall-clock time to named trading sessions and the
// risk parameters attached to each of them.
package session

import (
	"fmt"
	"sort"
	"time"
)

type Name string

const (
	PreMarket  Name = "pre_market"
	Regular    Name = "regular"
	AfterHours Name = "after_hours"
	Night      Name = "night"
	Closed     Name = "closed"
)

const day = 24 * time.Hour

// Params are the exit settings applied to positions opened in a session.
type Params struct {
	ProfitTarget float64 `json:"profit_target" yaml:"profit_target"`
	StopLossPct  float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
}

// DefaultParams is used for Closed and for any session missing from the table.
var DefaultParams = Params{ProfitTarget: 0.02, StopLossPct: 0.015}

// Window is a half-open [Start, End) interval measured from local midnight.
// End <= Start means the window wraps across midnight.
type Window struct {
	Name  Name
	Start time.Duration
	End   time.Duration
}

func (w Window) wraps() bool {
	return w.End <= w.Start
}

func (w Window) length() time.Duration {
	if w.wraps() {
		return day - w.Start + w.End
	}
	return w.End - w.Start
}

// Contains reports whether an offset since midnight falls inside the window.
func (w Window) Contains(offset time.Duration) bool {
	if w.wraps() {
		return offset >= w.Start || offset < w.End
	}
	return offset >= w.Start && offset < w.End
}

func DefaultWindows() []Window {
	return []Window{
		{Name: PreMarket, Start: 4 * time.Hour, End: 9*time.Hour + 30*time.Minute},
		{Name: Regular, Start: 9*time.Hour + 30*time.Minute, End: 16 * time.Hour},
		{Name: AfterHours, Start: 16 * time.Hour, End: 20 * time.Hour},
		{Name: Night, Start: 20 * time.Hour, End: 4 * time.Hour},
	}
}

func DefaultTable() map[Name]Params {
	return map[Name]Params{
		PreMarket:  {ProfitTarget: 0.02, StopLossPct: 0.015},
		Regular:    {ProfitTarget: 0.015, StopLossPct: 0.01},
		AfterHours: {ProfitTarget: 0.025, StopLossPct: 0.02},
		Night:      {ProfitTarget: 0.03, StopLossPct: 0.025},
	}
}

type Clock struct {
	location *time.Location
	windows  []Window
	params   map[Name]Params
}

// NewClock builds a clock for the exchange location. The windows must tile
// the full day with no gap and no overlap.
func NewClock(location *time.Location, windows []Window, params map[Name]Params) (*Clock, error) {
	if location == nil {
		return nil, fmt.Errorf("session location is required")
	}
	if err := validateWindows(windows); err != nil {
		return nil, err
	}
	table := make(map[Name]Params, len(params))
	for name, p := range params {
		table[name] = p
	}
	return &Clock{
		location: location,
		windows:  append([]Window(nil), windows...),
		params:   table,
	}, nil
}

// NewDefaultClock returns the US equities clock in America/New_York.
func NewDefaultClock() (*Clock, error) {
	location, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange location: %w", err)
	}
	return NewClock(location, DefaultWindows(), DefaultTable())
}

func (c *Clock) Location() *time.Location {
	return c.location
}

// Current classifies now, converted to exchange local time.
func (c *Clock) Current(now time.Time) Name {
	offset := Offset(now.In(c.location))
	for _, w := range c.windows {
		if w.Contains(offset) {
			return w.Name
		}
	}
	return Closed
}

// Params looks up the risk settings for a session.
func (c *Clock) Params(name Name) Params {
	if p, ok := c.params[name]; ok && name != Closed {
		return p
	}
	return DefaultParams
}

func Tradable(name Name) bool {
	return name != Closed
}

// Offset returns the time elapsed since local midnight of t.
func Offset(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

// ParseOffset parses "HH:MM" into an offset since midnight. "24:00" is
// accepted as the end of day.
func ParseOffset(value string) (time.Duration, error) {
	if value == "24:00" {
		return day, nil
	}
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid session time %q: %w", value, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func validateWindows(windows []Window) error {
	if len(windows) == 0 {
		return fmt.Errorf("at least one session window is required")
	}
	sorted := append([]Window(nil), windows...)
	var total time.Duration
	for i, w := range sorted {
		if w.Name == "" || w.Name == Closed {
			return fmt.Errorf("session window %d has invalid name %q", i, w.Name)
		}
		if w.Start < 0 || w.Start >= day || w.End < 0 || w.End > day {
			return fmt.Errorf("session %s bounds out of range", w.Name)
		}
		if w.End == day {
			sorted[i].End = 0
		}
		if sorted[i].Start == sorted[i].End && len(sorted) > 1 {
			return fmt.Errorf("session %s is empty", w.Name)
		}
		total += sorted[i].length()
	}
	if total != day {
		return fmt.Errorf("session windows cover %s, want 24h", total)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i, w := range sorted {
		next := sorted[(i+1)%len(sorted)]
		if w.End != next.Start {
			return fmt.Errorf("session %s ends at %s but %s starts at %s", w.Name, w.End, next.Name, next.Start)
		}
	}
	return nil
}

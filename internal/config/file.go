package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"sessionbot/internal/session"
)

// fileConfig mirrors Config for YAML and JSON files. Unset fields keep the
// value they already had.
type fileConfig struct {
	Mode               string         `json:"mode" yaml:"mode"`
	Watchlist          []string       `json:"watchlist" yaml:"watchlist"`
	AccountValue       *float64       `json:"account_value" yaml:"account_value"`
	RiskFraction       *float64       `json:"risk_fraction" yaml:"risk_fraction"`
	MaxCapitalFraction *float64       `json:"max_capital_fraction" yaml:"max_capital_fraction"`
	MaxPositions       *int           `json:"max_positions" yaml:"max_positions"`
	MaxNotional        *float64       `json:"max_notional" yaml:"max_notional"`
	KillSwitch         *bool          `json:"kill_switch" yaml:"kill_switch"`
	PollInterval       string         `json:"poll_interval" yaml:"poll_interval"`
	ClosedInterval     string         `json:"closed_interval" yaml:"closed_interval"`
	EntryPause         string         `json:"entry_pause" yaml:"entry_pause"`
	FillAttempts       *int           `json:"fill_attempts" yaml:"fill_attempts"`
	FillDelay          string         `json:"fill_delay" yaml:"fill_delay"`
	StatusEvery        *int           `json:"status_every" yaml:"status_every"`
	ReconcileEvery     *int           `json:"reconcile_every" yaml:"reconcile_every"`
	FlushTimeout       string         `json:"flush_timeout" yaml:"flush_timeout"`
	Timeframes         []string       `json:"timeframes" yaml:"timeframes"`
	BarLookback        string         `json:"bar_lookback" yaml:"bar_lookback"`
	Timezone           string         `json:"timezone" yaml:"timezone"`
	Sessions           []sessionEntry `json:"sessions" yaml:"sessions"`
	DecisionsPath      *string        `json:"decisions_path" yaml:"decisions_path"`
	CheckpointPath     *string        `json:"checkpoint_path" yaml:"checkpoint_path"`
	Journal            struct {
		Type string `json:"type" yaml:"type"`
		Path string `json:"path" yaml:"path"`
	} `json:"journal" yaml:"journal"`
	Log struct {
		Level      string `json:"level" yaml:"level"`
		File       string `json:"file" yaml:"file"`
		MaxSizeMB  *int   `json:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups *int   `json:"max_backups" yaml:"max_backups"`
	} `json:"log" yaml:"log"`
	SimSeed   *int64 `json:"sim_seed" yaml:"sim_seed"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	DataFeed  string `json:"feed" yaml:"feed"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	APISecret string `json:"api_secret" yaml:"api_secret"`
}

type sessionEntry struct {
	Name         string  `json:"name" yaml:"name"`
	Start        string  `json:"start" yaml:"start"`
	End          string  `json:"end" yaml:"end"`
	ProfitTarget float64 `json:"profit_target" yaml:"profit_target"`
	StopLossPct  float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
}

func readFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		fc = fileConfig{}
		if jsonErr := json.Unmarshal(data, &fc); jsonErr != nil {
			return fc, fmt.Errorf("parse config %s (tried YAML and JSON): %w", path, err)
		}
	}
	return fc, nil
}

func applyFile(cfg *Config, path string) error {
	fc, err := readFile(path)
	if err != nil {
		return err
	}

	if fc.Mode != "" {
		cfg.Mode = Mode(fc.Mode)
	}
	if len(fc.Watchlist) > 0 {
		cfg.Watchlist = splitList(strings.Join(fc.Watchlist, ","))
	}
	setFloat(&cfg.AccountValue, fc.AccountValue)
	setFloat(&cfg.RiskFraction, fc.RiskFraction)
	setFloat(&cfg.MaxCapitalFraction, fc.MaxCapitalFraction)
	setFloat(&cfg.MaxNotional, fc.MaxNotional)
	setInt(&cfg.MaxPositions, fc.MaxPositions)
	setInt(&cfg.FillAttempts, fc.FillAttempts)
	setInt(&cfg.StatusEvery, fc.StatusEvery)
	setInt(&cfg.ReconcileEvery, fc.ReconcileEvery)
	setInt(&cfg.LogMaxSizeMB, fc.Log.MaxSizeMB)
	setInt(&cfg.LogMaxBackups, fc.Log.MaxBackups)
	if fc.KillSwitch != nil {
		cfg.KillSwitch = *fc.KillSwitch
	}
	if fc.SimSeed != nil {
		cfg.SimSeed = *fc.SimSeed
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"closed_interval", fc.ClosedInterval, &cfg.ClosedInterval},
		{"entry_pause", fc.EntryPause, &cfg.EntryPause},
		{"fill_delay", fc.FillDelay, &cfg.FillDelay},
		{"flush_timeout", fc.FlushTimeout, &cfg.FlushTimeout},
		{"bar_lookback", fc.BarLookback, &cfg.BarLookback},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := cast.ToDurationE(d.value)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if len(fc.Timeframes) > 0 {
		timeframes, err := parseTimeframes(fc.Timeframes)
		if err != nil {
			return fmt.Errorf("config timeframes: %w", err)
		}
		cfg.Timeframes = timeframes
	}
	if len(fc.Sessions) > 0 {
		windows, params, err := parseSessions(fc.Sessions)
		if err != nil {
			return err
		}
		cfg.SessionWindows = windows
		cfg.SessionParams = params
	}

	setString(&cfg.Timezone, fc.Timezone)
	if fc.DecisionsPath != nil {
		cfg.DecisionsPath = *fc.DecisionsPath
	}
	if fc.CheckpointPath != nil {
		cfg.CheckpointPath = *fc.CheckpointPath
	}
	setString(&cfg.JournalType, fc.Journal.Type)
	setString(&cfg.JournalPath, fc.Journal.Path)
	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFile, fc.Log.File)
	setString(&cfg.BaseURL, fc.BaseURL)
	setString(&cfg.DataFeed, fc.DataFeed)
	setString(&cfg.APIKey, fc.APIKey)
	setString(&cfg.APISecret, fc.APISecret)
	return nil
}

func parseSessions(entries []sessionEntry) ([]session.Window, map[session.Name]session.Params, error) {
	windows := make([]session.Window, 0, len(entries))
	params := make(map[session.Name]session.Params, len(entries))
	for _, entry := range entries {
		name := session.Name(entry.Name)
		start, err := session.ParseOffset(entry.Start)
		if err != nil {
			return nil, nil, fmt.Errorf("session %s: %w", entry.Name, err)
		}
		end, err := session.ParseOffset(entry.End)
		if err != nil {
			return nil, nil, fmt.Errorf("session %s: %w", entry.Name, err)
		}
		if _, dup := params[name]; dup {
			return nil, nil, fmt.Errorf("duplicate session: %s", entry.Name)
		}
		windows = append(windows, session.Window{Name: name, Start: start, End: end})
		params[name] = session.Params{ProfitTarget: entry.ProfitTarget, StopLossPct: entry.StopLossPct}
	}
	return windows, params, nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setFloat(dst *float64, value *float64) {
	if value != nil {
		*dst = *value
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}

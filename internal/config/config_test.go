package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessionbot/internal/md"
	"sessionbot/internal/session"
)

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":           func(c *Config) { c.Mode = "stream" },
		"keys":           func(c *Config) { c.Mode = ModePaper },
		"watchlist":      func(c *Config) { c.Watchlist = nil },
		"duplicate":      func(c *Config) { c.Watchlist = []string{"AAPL", "AAPL"} },
		"risk fraction":  func(c *Config) { c.RiskFraction = 0 },
		"capital":        func(c *Config) { c.MaxCapitalFraction = 1.5 },
		"max positions":  func(c *Config) { c.MaxPositions = 0 },
		"fill attempts":  func(c *Config) { c.FillAttempts = 0 },
		"poll interval":  func(c *Config) { c.PollInterval = 0 },
		"timeframes":     func(c *Config) { c.Timeframes = nil },
		"journal":        func(c *Config) { c.JournalType = "parquet" },
		"journal path":   func(c *Config) { c.JournalPath = "" },
		"session params": func(c *Config) { c.SessionParams = map[session.Name]session.Params{session.Regular: {}} },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateConfigAcceptsValidConfig(t *testing.T) {
	if err := validate(Defaults()); err != nil {
		t.Fatalf("expected defaults to be valid, got %v", err)
	}

	cfg := Defaults()
	cfg.Mode = ModePaper
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected paper config to be valid, got %v", err)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	configContents := `{
  "mode": "sim",
  "max_positions": 5,
  "risk_fraction": 0.02,
  "account_value": 25000,
  "api_key": "config-key",
  "poll_interval": "30s"
}`
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("SESSIONBOT_RISK_FRACTION", "0.015")

	resetFlags := resetFlagSet(t)
	defer resetFlags()

	os.Args = []string{
		"cmd",
		"--config", configPath,
		"--max-positions", "2",
		"--watchlist", "spy, qqq",
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MaxPositions != 2 {
		t.Fatalf("expected max positions from CLI, got %d", cfg.MaxPositions)
	}
	if cfg.RiskFraction != 0.015 {
		t.Fatalf("expected risk fraction from env, got %v", cfg.RiskFraction)
	}
	if cfg.APIKey != "env-key" {
		t.Fatalf("expected API key from env, got %q", cfg.APIKey)
	}
	if cfg.AccountValue != 25000 {
		t.Fatalf("expected account value from file, got %v", cfg.AccountValue)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("expected poll interval from file, got %s", cfg.PollInterval)
	}
	if cfg.FillAttempts != 10 {
		t.Fatalf("expected default fill attempts, got %d", cfg.FillAttempts)
	}
	if len(cfg.Watchlist) != 2 || cfg.Watchlist[0] != "SPY" || cfg.Watchlist[1] != "QQQ" {
		t.Fatalf("expected normalized watchlist from CLI, got %v", cfg.Watchlist)
	}
	if cfg.BaseURL != PaperBaseURL {
		t.Fatalf("expected paper base URL, got %q", cfg.BaseURL)
	}
}

func TestLoadYAMLSessionsAndTimeframes(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContents := `mode: sim
timeframes: [5m, 1h]
journal:
  type: csv
  path: trades.csv
sessions:
  - {name: regular, start: "09:30", end: "16:00", profit_target: 0.015, stop_loss_pct: 0.01}
  - {name: off_hours, start: "16:00", end: "09:30", profit_target: 0.02, stop_loss_pct: 0.015}
`
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resetFlags := resetFlagSet(t)
	defer resetFlags()
	os.Args = []string{"cmd", "--config", configPath}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Timeframes) != 2 || cfg.Timeframes[0] != md.FiveMinutes || cfg.Timeframes[1] != md.OneHour {
		t.Fatalf("unexpected timeframes: %v", cfg.Timeframes)
	}
	if cfg.JournalType != "csv" || cfg.JournalPath != "trades.csv" {
		t.Fatalf("unexpected journal: %s %s", cfg.JournalType, cfg.JournalPath)
	}
	if len(cfg.SessionWindows) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(cfg.SessionWindows))
	}
	if _, err := session.NewClock(time.UTC, cfg.SessionWindows, cfg.SessionParams); err != nil {
		t.Fatalf("configured sessions should build a clock: %v", err)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("SESSIONBOT_MAX_POSITIONS", "three")
	resetFlags := resetFlagSet(t)
	defer resetFlags()
	os.Args = []string{"cmd"}

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for non-numeric max positions")
	}
}

func resetFlagSet(t *testing.T) func() {
	t.Helper()
	originalArgs := os.Args
	originalCommandLine := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	return func() {
		flag.CommandLine = originalCommandLine
		os.Args = originalArgs
	}
}

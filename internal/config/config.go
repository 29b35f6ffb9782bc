package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sessionbot/internal/md"
	"sessionbot/internal/session"
)

type Mode string

const (
	ModeSim   Mode = "sim"
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

const (
	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

var DefaultWatchlist = []string{
	"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA",
	"SPY", "QQQ", "IWM", "UVXY", "SQQQ", "TQQQ",
}

type Config struct {
	Mode               Mode
	Watchlist          []string
	AccountValue       float64
	RiskFraction       float64
	MaxCapitalFraction float64
	MaxPositions       int
	MaxNotional        float64
	KillSwitch         bool
	PollInterval       time.Duration
	ClosedInterval     time.Duration
	EntryPause         time.Duration
	FillAttempts       int
	FillDelay          time.Duration
	StatusEvery        int
	ReconcileEvery     int
	FlushTimeout       time.Duration
	Timeframes         []md.Timeframe
	BarLookback        time.Duration
	Timezone           string
	SessionWindows     []session.Window
	SessionParams      map[session.Name]session.Params
	DecisionsPath      string
	CheckpointPath     string
	JournalType        string
	JournalPath        string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	SimSeed            int64
	BaseURL            string
	DataFeed           string
	APIKey             string
	APISecret          string
}

func Defaults() Config {
	return Config{
		Mode:               ModeSim,
		Watchlist:          append([]string(nil), DefaultWatchlist...),
		AccountValue:       10000,
		RiskFraction:       0.01,
		MaxCapitalFraction: 0.1,
		MaxPositions:       3,
		PollInterval:       10 * time.Second,
		ClosedInterval:     60 * time.Second,
		EntryPause:         2 * time.Second,
		FillAttempts:       10,
		FillDelay:          time.Second,
		StatusEvery:        3,
		ReconcileEvery:     30,
		FlushTimeout:       2 * time.Minute,
		Timeframes:         []md.Timeframe{md.FiveMinutes, md.FifteenMinutes, md.OneHour},
		BarLookback:        48 * time.Hour,
		Timezone:           "America/New_York",
		SessionWindows:     session.DefaultWindows(),
		SessionParams:      session.DefaultTable(),
		DecisionsPath:      "decisions.ndjson",
		CheckpointPath:     "checkpoint.json",
		JournalType:        "sqlite",
		JournalPath:        "trades.db",
		LogLevel:           "info",
		LogMaxSizeMB:       50,
		LogMaxBackups:      5,
		SimSeed:            1,
		DataFeed:           "iex",
	}
}

// Load resolves configuration with precedence flags > environment > config
// file > defaults. A .env file in the working directory seeds the
// environment without overriding variables that are already set.
func Load() (Config, error) {
	loadDotEnvIfPresent(".env")
	args := os.Args[1:]

	var configPath string
	scratch := flag.NewFlagSet("scan", flag.ContinueOnError)
	scratch.SetOutput(io.Discard)
	scratchCfg := Defaults()
	bindFlags(scratch, &scratchCfg, &flagLists{}, &configPath)
	_ = scratch.Parse(args)

	cfg := Defaults()
	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	lists := &flagLists{
		watchlist:  strings.Join(cfg.Watchlist, ","),
		timeframes: joinTimeframes(cfg.Timeframes),
	}
	bindFlags(flag.CommandLine, &cfg, lists, &configPath)
	if err := flag.CommandLine.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Watchlist = splitList(lists.watchlist)
	timeframes, err := parseTimeframes(splitList(lists.timeframes))
	if err != nil {
		return cfg, err
	}
	cfg.Timeframes = timeframes
	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))
	if cfg.BaseURL == "" {
		cfg.BaseURL = PaperBaseURL
		if cfg.Mode == ModeLive {
			cfg.BaseURL = LiveBaseURL
		}
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type flagLists struct {
	watchlist  string
	timeframes string
}

func bindFlags(fs *flag.FlagSet, cfg *Config, lists *flagLists, configPath *string) {
	fs.StringVar(configPath, "config", *configPath, "path to a YAML or JSON config file")
	fs.StringVar((*string)(&cfg.Mode), "mode", string(cfg.Mode), "run mode: sim, paper or live")
	fs.StringVar(&lists.watchlist, "watchlist", lists.watchlist, "comma separated instruments, scanned in order")
	fs.Float64Var(&cfg.AccountValue, "account-value", cfg.AccountValue, "starting account value used for sizing")
	fs.Float64Var(&cfg.RiskFraction, "risk-fraction", cfg.RiskFraction, "fraction of account risked per trade")
	fs.Float64Var(&cfg.MaxCapitalFraction, "max-capital-fraction", cfg.MaxCapitalFraction, "max fraction of account in one position")
	fs.IntVar(&cfg.MaxPositions, "max-positions", cfg.MaxPositions, "max concurrent open positions")
	fs.Float64Var(&cfg.MaxNotional, "max-notional", cfg.MaxNotional, "max notional per order, 0 disables")
	fs.BoolVar(&cfg.KillSwitch, "kill-switch", cfg.KillSwitch, "if true, never open new positions")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "wait between scanning passes")
	fs.DurationVar(&cfg.ClosedInterval, "closed-interval", cfg.ClosedInterval, "wait between passes while the market is closed")
	fs.DurationVar(&cfg.EntryPause, "entry-pause", cfg.EntryPause, "extra wait after a position is opened")
	fs.IntVar(&cfg.FillAttempts, "fill-attempts", cfg.FillAttempts, "order status checks before giving up")
	fs.DurationVar(&cfg.FillDelay, "fill-delay", cfg.FillDelay, "wait between order status checks")
	fs.IntVar(&cfg.StatusEvery, "status-every", cfg.StatusEvery, "log a status report every N passes")
	fs.IntVar(&cfg.ReconcileEvery, "reconcile-every", cfg.ReconcileEvery, "reconcile with the broker every N passes, 0 disables")
	fs.DurationVar(&cfg.FlushTimeout, "flush-timeout", cfg.FlushTimeout, "time allowed to flatten positions on shutdown")
	fs.StringVar(&lists.timeframes, "timeframes", lists.timeframes, "comma separated bar timeframes: 5m, 15m, 1h")
	fs.DurationVar(&cfg.BarLookback, "bar-lookback", cfg.BarLookback, "history requested per bar fetch")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "exchange time zone for sessions")
	fs.StringVar(&cfg.DecisionsPath, "decisions-path", cfg.DecisionsPath, "path to decisions log, empty disables")
	fs.StringVar(&cfg.CheckpointPath, "checkpoint-path", cfg.CheckpointPath, "path to position checkpoint, empty disables")
	fs.StringVar(&cfg.JournalType, "journal", cfg.JournalType, "trade journal: sqlite, csv or none")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "trade journal path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotating log file, empty logs to stderr only")
	fs.Int64Var(&cfg.SimSeed, "sim-seed", cfg.SimSeed, "random seed for sim mode prices")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "trading API base URL")
	fs.StringVar(&cfg.DataFeed, "feed", cfg.DataFeed, "market data feed: iex or sip")
}

func validate(cfg Config) error {
	switch cfg.Mode {
	case ModeSim, ModePaper, ModeLive:
	default:
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Mode != ModeSim && (cfg.APIKey == "" || cfg.APISecret == "") {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in %s mode", cfg.Mode)
	}
	if len(cfg.Watchlist) == 0 {
		return fmt.Errorf("watchlist must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Watchlist))
	for _, instrument := range cfg.Watchlist {
		if seen[instrument] {
			return fmt.Errorf("duplicate watchlist instrument: %s", instrument)
		}
		seen[instrument] = true
	}
	if cfg.AccountValue <= 0 {
		return fmt.Errorf("account-value must be > 0")
	}
	if cfg.RiskFraction <= 0 || cfg.RiskFraction >= 1 {
		return fmt.Errorf("risk-fraction must be in (0, 1)")
	}
	if cfg.MaxCapitalFraction <= 0 || cfg.MaxCapitalFraction > 1 {
		return fmt.Errorf("max-capital-fraction must be in (0, 1]")
	}
	if cfg.MaxPositions <= 0 {
		return fmt.Errorf("max-positions must be > 0")
	}
	if cfg.MaxNotional < 0 {
		return fmt.Errorf("max-notional must be >= 0")
	}
	if cfg.PollInterval <= 0 || cfg.ClosedInterval <= 0 {
		return fmt.Errorf("poll-interval and closed-interval must be > 0")
	}
	if cfg.EntryPause < 0 {
		return fmt.Errorf("entry-pause must be >= 0")
	}
	if cfg.FillAttempts <= 0 {
		return fmt.Errorf("fill-attempts must be > 0")
	}
	if cfg.FillDelay < 0 {
		return fmt.Errorf("fill-delay must be >= 0")
	}
	if cfg.StatusEvery < 0 || cfg.ReconcileEvery < 0 {
		return fmt.Errorf("status-every and reconcile-every must be >= 0")
	}
	if cfg.FlushTimeout <= 0 {
		return fmt.Errorf("flush-timeout must be > 0")
	}
	if len(cfg.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	if cfg.BarLookback <= 0 {
		return fmt.Errorf("bar-lookback must be > 0")
	}
	switch cfg.JournalType {
	case "", "none", "sqlite", "csv":
	default:
		return fmt.Errorf("invalid journal type: %s", cfg.JournalType)
	}
	if (cfg.JournalType == "sqlite" || cfg.JournalType == "csv") && cfg.JournalPath == "" {
		return fmt.Errorf("journal-path is required for %s journal", cfg.JournalType)
	}
	for name, p := range cfg.SessionParams {
		if p.ProfitTarget <= 0 || p.StopLossPct <= 0 || p.StopLossPct >= 1 {
			return fmt.Errorf("session %s has invalid parameters", name)
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTimeframes(values []string) ([]md.Timeframe, error) {
	out := make([]md.Timeframe, 0, len(values))
	for _, v := range values {
		tf, err := md.ParseTimeframe(strings.ToLower(v))
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func joinTimeframes(tfs []md.Timeframe) string {
	parts := make([]string, len(tfs))
	for i, tf := range tfs {
		parts[i] = string(tf)
	}
	return strings.Join(parts, ",")
}

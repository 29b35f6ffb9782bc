package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// loadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win over the file.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func loadDotEnvIfPresent(path string) {
	if err := loadDotEnv(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", path, "error", err)
	}
}

func applyEnv(cfg *Config) error {
	setString(&cfg.APIKey, os.Getenv("APCA_API_KEY_ID"))
	setString(&cfg.APISecret, os.Getenv("APCA_API_SECRET_KEY"))
	setString(&cfg.BaseURL, os.Getenv("APCA_API_BASE_URL"))
	setString(&cfg.DataFeed, os.Getenv("APCA_DATA_FEED"))
	if v := os.Getenv("SESSIONBOT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SESSIONBOT_WATCHLIST"); v != "" {
		cfg.Watchlist = splitList(v)
	}
	setString(&cfg.LogLevel, os.Getenv("SESSIONBOT_LOG_LEVEL"))
	setString(&cfg.LogFile, os.Getenv("SESSIONBOT_LOG_FILE"))

	var errs error
	if v, ok := os.LookupEnv("SESSIONBOT_ACCOUNT_VALUE"); ok {
		parsed, err := cast.ToFloat64E(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SESSIONBOT_ACCOUNT_VALUE: %w", err))
		}
		cfg.AccountValue = parsed
	}
	if v, ok := os.LookupEnv("SESSIONBOT_RISK_FRACTION"); ok {
		parsed, err := cast.ToFloat64E(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SESSIONBOT_RISK_FRACTION: %w", err))
		}
		cfg.RiskFraction = parsed
	}
	if v, ok := os.LookupEnv("SESSIONBOT_MAX_POSITIONS"); ok {
		parsed, err := cast.ToIntE(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SESSIONBOT_MAX_POSITIONS: %w", err))
		}
		cfg.MaxPositions = parsed
	}
	if v, ok := os.LookupEnv("SESSIONBOT_POLL_INTERVAL"); ok {
		parsed, err := cast.ToDurationE(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SESSIONBOT_POLL_INTERVAL: %w", err))
		}
		cfg.PollInterval = parsed
	}
	if v, ok := os.LookupEnv("SESSIONBOT_KILL_SWITCH"); ok {
		parsed, err := cast.ToBoolE(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("SESSIONBOT_KILL_SWITCH: %w", err))
		}
		cfg.KillSwitch = parsed
	}
	if errs != nil {
		return fmt.Errorf("invalid environment: %w", errs)
	}
	return nil
}

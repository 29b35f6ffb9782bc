package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"sessionbot/internal/broker"
	"sessionbot/internal/config"
	"sessionbot/internal/engine"
	"sessionbot/internal/id"
	"sessionbot/internal/journal"
	"sessionbot/internal/logging"
	"sessionbot/internal/risk"
	"sessionbot/internal/session"
	"sessionbot/internal/state"
	"sessionbot/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	defer logCloser.Close()

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("timezone error: %v", err)
	}
	clock, err := session.NewClock(location, cfg.SessionWindows, cfg.SessionParams)
	if err != nil {
		log.Fatalf("session config error: %v", err)
	}

	runID := id.New()
	var decisions *engine.DecisionLogger
	if cfg.DecisionsPath != "" {
		decisions, err = engine.NewDecisionLogger(cfg.DecisionsPath, runID)
		if err != nil {
			log.Fatalf("decision logger error: %v", err)
		}
		defer func() {
			if err := decisions.Close(); err != nil {
				log.Printf("failed to close decision logger: %v", err)
			}
		}()
	}

	sink, err := journal.Open(cfg.JournalType, cfg.JournalPath)
	if err != nil {
		log.Fatalf("journal error: %v", err)
	}
	recorder := journal.NewRecorder(location, sink)
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Printf("failed to close journal: %v", err)
		}
	}()

	ledger := state.NewLedger()
	if cfg.Mode != config.ModeSim && cfg.CheckpointPath != "" {
		if err := ledger.Load(cfg.CheckpointPath); err == nil {
			log.Printf("loaded checkpoint from %s positions=%d", cfg.CheckpointPath, ledger.Len())
		} else if !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("checkpoint error: %v", err)
		}
	}

	var gateway broker.Gateway
	switch cfg.Mode {
	case config.ModeSim:
		gateway = newSimGateway(cfg)
	default:
		gateway = broker.New(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.DataFeed)
	}

	evaluator := strategy.NewEvaluator(cfg.Timeframes)
	engineImpl := engine.New(cfg, clock, evaluator, risk.Gate{}, gateway, ledger, recorder, decisions, runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Printf("shutdown signal received")
		cancel()
	}()

	log.Printf("starting bot mode=%s run_id=%s watchlist=%v session=%s", cfg.Mode, runID, cfg.Watchlist, clock.Current(time.Now()))
	if err := engineImpl.Run(ctx); err != nil {
		log.Printf("engine stopped with error: %v", err)
	}

	if cfg.CheckpointPath != "" {
		if err := ledger.Save(cfg.CheckpointPath); err != nil {
			log.Printf("failed to save checkpoint: %v", err)
		}
	}

	log.Printf("bot shutdown complete")
}

func newSimGateway(cfg config.Config) *broker.Sim {
	sim := broker.NewSim(cfg.AccountValue, cfg.SimSeed)
	for i, instrument := range cfg.Watchlist {
		sim.SetPrice(instrument, 50+float64(i)*25)
	}
	return sim
}

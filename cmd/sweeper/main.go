package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/content-history/pkg/contenthistory"
	"github.com/tendant/content-history/pkg/contenthistory/config"
)

// SweeperConfig holds the sweeper process configuration
type SweeperConfig struct {
	Interval       time.Duration `env:"SWEEP_INTERVAL" env-default:"1h"`
	BatchSize      int           `env:"SWEEP_BATCH_SIZE" env-default:"100"`
	IncludeDeleted bool          `env:"SWEEP_INCLUDE_DELETED" env-default:"true"`
	RunOnce        bool          `env:"SWEEP_RUN_ONCE" env-default:"false"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var sweepCfg SweeperConfig
	if err := cleanenv.ReadEnv(&sweepCfg); err != nil {
		logger.Error("failed to read sweeper configuration", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(config.WithEnv(""))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	repo, err := cfg.BuildRepository()
	if err != nil {
		logger.Error("failed to build repository", "error", err)
		os.Exit(1)
	}
	svc, err := cfg.BuildServiceWithRepository(repo)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		os.Exit(1)
	}

	sweeper := contenthistory.NewSweeper(svc, repo)
	opts := contenthistory.SweepOptions{
		Policy:         cfg.Retention.Policy(),
		BatchSize:      sweepCfg.BatchSize,
		IncludeDeleted: sweepCfg.IncludeDeleted,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runSweep := func() {
		start := time.Now()
		result, err := sweeper.Sweep(ctx, opts)
		if err != nil {
			logger.Error("sweep interrupted", "error", err,
				"entities_swept", result.EntitiesSwept,
				"entities_failed", result.EntitiesFailed)
			return
		}
		logger.Info("sweep complete",
			"duration", time.Since(start),
			"entities_swept", result.EntitiesSwept,
			"entities_failed", result.EntitiesFailed,
			"archived", result.Totals.Archived,
			"compressed", result.Totals.Compressed,
			"purged", result.Totals.Purged,
			"rebaselined", result.Totals.Rebaselined)
	}

	logger.Info("sweeper starting", "interval", sweepCfg.Interval, "batch_size", sweepCfg.BatchSize)
	runSweep()
	if sweepCfg.RunOnce {
		return
	}

	ticker := time.NewTicker(sweepCfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper exiting")
			return
		case <-ticker.C:
			runSweep()
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/velorace/backend/internal/config"
	"github.com/velorace/backend/internal/logging"
	"github.com/velorace/backend/internal/reaper"
)

func main() {
	boot := logging.Bootstrap()

	cfg, err := config.LoadReaperConfig()
	if err != nil {
		boot.Error("load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.New("reaper", cfg.Log)
	if err != nil {
		boot.Error("set up logging", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeLogs(); err != nil {
			boot.Error("close log file", "err", err)
		}
	}()

	if source, err := config.CurrentConfigSource(); err == nil {
		logger.Info("config resolved", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	svc, err := reaper.New(cfg, logger)
	if err != nil {
		logger.Error("start reaper", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("reaper stopped", "err", err)
		os.Exit(1)
	}
}

// Package reaper runs the race lifecycle sweeps on a schedule: expiring
// stale WAITING lobbies and purging races past the retention window.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/velorace/backend/internal/config"
	"github.com/velorace/backend/internal/race"
)

const sweepTimeout = 30 * time.Second

type Service struct {
	cfg    config.ReaperConfig
	store  *race.Store
	races  *race.Service
	logger *slog.Logger
}

func New(cfg config.ReaperConfig, logger *slog.Logger) (*Service, error) {
	store, err := race.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Service{
		cfg:    cfg,
		store:  store,
		races:  race.NewService(store, nil, cfg.Lifecycle, logger),
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("close store", "err", err)
		}
	}()

	s.logger.Info("reaper started",
		"interval", s.cfg.SweepInterval.String(),
		"retention", s.cfg.Lifecycle.RaceRetention.String(),
		"db_driver", "postgres",
	)

	// One sweep up front so a restart never waits a full interval to
	// catch up on expired lobbies.
	s.sweepOnce(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(s.cfg.SweepInterval),
		gocron.NewTask(func() { s.sweepOnce(ctx) }),
	); err != nil {
		return fmt.Errorf("schedule sweep job: %w", err)
	}
	scheduler.Start()

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		s.logger.Error("scheduler shutdown failed", "err", err)
	}
	s.logger.Info("reaper stopped")
	return nil
}

func (s *Service) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if _, err := s.races.Sweep(sweepCtx); err != nil {
		s.logger.Error("sweep failed", "err", err)
	}
}

package race

import (
	"context"
	"fmt"
	"time"
)

// SweepStats reports what one lifecycle sweep changed.
type SweepStats struct {
	CancelledRaces int64
	DeletedRaces   int64
}

// Sweep applies both lifecycle rules: WAITING races past their deadline are
// CANCELLED, and anything older than the retention window is hard-deleted
// together with its results and payout. It runs from the reaper daemon and
// opportunistically on status reads, so it has to stay cheap and idempotent.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	now := time.Now()

	cancelled, err := s.store.CancelExpiredRaces(ctx, now.Unix())
	if err != nil {
		return SweepStats{}, fmt.Errorf("cancel expired races: %w", err)
	}

	cutoff := now.Add(-s.lifecycle.RaceRetention).Unix()
	deleted, err := s.store.DeleteRacesCreatedBefore(ctx, cutoff)
	if err != nil {
		return SweepStats{CancelledRaces: cancelled}, fmt.Errorf("delete aged races: %w", err)
	}

	stats := SweepStats{CancelledRaces: cancelled, DeletedRaces: deleted}
	if cancelled > 0 || deleted > 0 {
		s.logger.Info("lifecycle sweep",
			"cancelled", cancelled,
			"deleted", deleted,
		)
	}
	return stats, nil
}

func (s *Service) sweepQuietly(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("lifecycle sweep failed", "error", err)
	}
}

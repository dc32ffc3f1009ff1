// Package race implements racing's core domain: matchmaking, the result
// ledger, settlement, and lifecycle sweeps over the Postgres store.
package race

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/velorace/backend/internal/config"
)

// Entry fees are bounded to keep wagers in the supported band.
const (
	MinEntryFeeSOL = 0.005
	MaxEntryFeeSOL = 0.02
)

// Settler drives the permissionless on-chain settle instruction for a race.
// The chain gateway satisfies it; tests inject fakes.
type Settler interface {
	SettleRaceOnChain(ctx context.Context, raceID, tokenMint string, entryFeeLamports uint64) (signature string, confirmed bool, err error)
}

// Service owns every state transition on races, results, and payout rows.
type Service struct {
	store     *Store
	settler   Settler
	lifecycle config.LifecycleConfig
	logger    *slog.Logger
}

// NewService wires the race service. settler may be nil when the deployment
// has no way to reach the chain; on-chain settlement is then skipped.
func NewService(store *Store, settler Settler, lifecycle config.LifecycleConfig, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		settler:   settler,
		lifecycle: lifecycle,
		logger:    logger.With("service", "race"),
	}
}

// Store exposes the underlying store for collaborating services.
func (s *Service) Store() *Store {
	return s.store
}

// ValidateEntryFee rejects wagers outside the supported band.
func ValidateEntryFee(entryFeeSOL float64) error {
	if entryFeeSOL < MinEntryFeeSOL || entryFeeSOL > MaxEntryFeeSOL {
		return fmt.Errorf(
			"entry fee %.4f SOL outside allowed range %.3f-%.3f: %w",
			entryFeeSOL, MinEntryFeeSOL, MaxEntryFeeSOL, ErrInvalidState,
		)
	}
	return nil
}

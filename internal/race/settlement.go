package race

import (
	"context"
	"fmt"
	"time"
)

// WinnerOf applies the program's winner rule to a complete result pair:
// strictly faster finish wins; on a time tie the higher coin count wins; a
// full tie goes to player1.
func WinnerOf(results []Result) (Result, error) {
	if len(results) != 2 {
		return Result{}, fmt.Errorf("winner needs exactly 2 results, have %d", len(results))
	}

	first, second := results[0], results[1]
	if first.PlayerNumber > second.PlayerNumber {
		first, second = second, first
	}

	switch {
	case first.FinishTimeMs < second.FinishTimeMs:
		return first, nil
	case second.FinishTimeMs < first.FinishTimeMs:
		return second, nil
	case second.CoinsCollected > first.CoinsCollected:
		return second, nil
	default:
		return first, nil
	}
}

// settleIfComplete flips an ACTIVE race with both results to SETTLED and
// creates its payout in the same transaction: either both land or the race
// stays ACTIVE with no payout, and the next status read tries again. After
// the commit the permissionless on-chain settle is kicked off in the
// background.
func (s *Service) settleIfComplete(ctx context.Context, raceID string) (*Race, error) {
	var (
		race    *Race
		settled bool
	)

	err := s.store.WithTx(ctx, func(tx *Tx) error {
		current, err := s.store.GetRaceTx(ctx, tx, raceID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("race %s: %w", raceID, ErrNotFound)
		}
		race = current
		if current.Status != StatusActive {
			return nil
		}

		results, err := s.store.GetResultsTx(ctx, tx, raceID)
		if err != nil {
			return err
		}
		if len(results) < 2 {
			return nil
		}

		winner, err := WinnerOf(results)
		if err != nil {
			return err
		}

		now := time.Now().Unix()
		won, err := s.store.SettleRaceTx(ctx, tx, raceID, winner.Wallet, now)
		if err != nil {
			return err
		}
		if !won {
			// Another writer settled first; its payout insert also won.
			return nil
		}

		payout := &Payout{
			RaceID:         raceID,
			WinnerWallet:   winner.Wallet,
			WinnerResultID: winner.ID,
			PrizeLamports:  race.PrizeLamports(),
			TokenMint:      race.TokenMint,
			SwapStatus:     PayoutPending,
			CreatedAt:      now,
		}
		if err := s.store.InsertPayoutTx(ctx, tx, payout); err != nil {
			return fmt.Errorf("create payout for race %s: %w", raceID, err)
		}

		settled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if settled {
		race, err = s.store.GetRace(ctx, raceID)
		if err != nil {
			return nil, err
		}
		if race == nil {
			return nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
		}
		s.logger.Info("race settled",
			"race_id", raceID,
			"winner", race.WinnerWallet,
			"prize_lamports", race.PrizeLamports(),
		)
		s.spawnOnChainSettle(race)
	}

	return race, nil
}

// spawnOnChainSettle fires the permissionless settle instruction without
// holding up the caller. The outcome only ever reaches the log: the database
// settlement already committed and the chain can catch up later, explicitly
// via the settle endpoint or implicitly during the prize claim.
func (s *Service) spawnOnChainSettle(race *Race) {
	if s.settler == nil {
		return
	}
	snapshot := *race
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.attemptOnChainSettle(ctx, &snapshot)
	}()
}

func (s *Service) attemptOnChainSettle(ctx context.Context, race *Race) {
	signature, confirmed, err := s.settler.SettleRaceOnChain(ctx, race.RaceID, race.TokenMint, race.EntryFeeLamports)
	if err != nil {
		s.logger.Warn("on-chain settlement failed",
			"race_id", race.RaceID,
			"error", err,
		)
		return
	}
	s.logger.Info("on-chain settlement submitted",
		"race_id", race.RaceID,
		"signature", signature,
		"confirmed", confirmed,
	)
}

// RaceStatus answers a status poll. It runs the opportunistic lifecycle
// sweep first, then reconciles settlement in case an earlier settle attempt
// failed after both results landed.
func (s *Service) RaceStatus(ctx context.Context, raceID string) (*Race, []Result, error) {
	s.sweepQuietly(ctx)

	race, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, nil, err
	}
	if race == nil {
		return nil, nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}

	if race.Status == StatusActive {
		reconciled, err := s.settleIfComplete(ctx, raceID)
		if err != nil {
			s.logger.Warn("settlement reconciliation failed", "race_id", raceID, "error", err)
		} else if reconciled != nil {
			race = reconciled
		}
	}

	results, err := s.store.GetResults(ctx, raceID)
	if err != nil {
		return nil, nil, err
	}
	return race, results, nil
}

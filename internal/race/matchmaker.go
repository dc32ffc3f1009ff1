package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const joinCodeAttempts = 5

// CreateOrJoin is the quick-match entry point. Lookup order:
//
//  1. The deterministic race id for (mint, fee, wallet). A WAITING hit that
//     belongs to someone else is joined; the requester's own WAITING race is
//     returned unchanged (repeat calls are idempotent); any other status is
//     returned as-is for the caller to inspect.
//  2. The oldest open race in the same wager bucket.
//  3. A fresh WAITING race.
func (s *Service) CreateOrJoin(ctx context.Context, tokenMint string, entryFeeSOL float64, wallet string) (*Race, error) {
	if err := ValidateEntryFee(entryFeeSOL); err != nil {
		return nil, err
	}
	feeLamports := LamportsFromSOL(entryFeeSOL)
	raceID := RaceIDFor(tokenMint, feeLamports, wallet)

	existing, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusWaiting && existing.Player1Wallet != wallet {
			return s.claimRace(ctx, existing, wallet)
		}
		return existing, nil
	}

	open, err := s.store.FindOpenRace(ctx, tokenMint, feeLamports, wallet, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	if open != nil {
		joined, err := s.claimRace(ctx, open, wallet)
		if err == nil {
			return joined, nil
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		// Lost the claim to a concurrent joiner; create instead.
	}

	return s.createRace(ctx, tokenMint, feeLamports, wallet, false)
}

// CreateRace is the explicit lobby create. Private lobbies get a join code;
// both kinds get an expiry deadline for the reaper.
func (s *Service) CreateRace(ctx context.Context, tokenMint string, entryFeeSOL float64, wallet string, isPrivate bool) (*Race, error) {
	if err := ValidateEntryFee(entryFeeSOL); err != nil {
		return nil, err
	}
	feeLamports := LamportsFromSOL(entryFeeSOL)
	raceID := RaceIDFor(tokenMint, feeLamports, wallet)

	existing, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusWaiting && existing.Player1Wallet == wallet {
			return existing, nil
		}
		return nil, fmt.Errorf("a race for this wager already exists (status %s): %w", existing.Status, ErrConflict)
	}

	return s.createRace(ctx, tokenMint, feeLamports, wallet, isPrivate)
}

func (s *Service) createRace(ctx context.Context, tokenMint string, feeLamports uint64, wallet string, isPrivate bool) (*Race, error) {
	token, err := s.store.GetToken(ctx, tokenMint)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("token %s: %w", tokenMint, ErrNotFound)
	}

	now := time.Now()
	ttl := s.lifecycle.PublicRaceTTL
	if isPrivate {
		ttl = s.lifecycle.PrivateRaceTTL
	}

	raceID := RaceIDFor(tokenMint, feeLamports, wallet)
	race := &Race{
		ID:               uuid.NewString(),
		RaceID:           raceID,
		TokenMint:        tokenMint,
		TokenSymbol:      token.Symbol,
		EntryFeeLamports: feeLamports,
		IsPrivate:        isPrivate,
		Player1Wallet:    wallet,
		Status:           StatusWaiting,
		TrackSeed:        TrackSeedFor(raceID),
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(ttl).Unix(),
	}

	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		if isPrivate {
			code, err := NewJoinCode()
			if err != nil {
				return nil, err
			}
			race.JoinCode = code
		}

		err := s.store.InsertRace(ctx, race)
		if err == nil {
			return race, nil
		}
		if isPrivate && errors.Is(err, errJoinCodeCollision) {
			continue
		}
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("race %s already exists: %w", raceID, ErrConflict)
		}
		return nil, err
	}
	return nil, fmt.Errorf("could not generate a unique join code after %d attempts", joinCodeAttempts)
}

// JoinRaceByID joins a specific WAITING race.
func (s *Service) JoinRaceByID(ctx context.Context, raceID, wallet string) (*Race, error) {
	race, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if race == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	return s.claimRace(ctx, race, wallet)
}

// JoinRaceByCode resolves a private lobby's join code and joins it. An
// expired code cancels the race as a side effect before rejecting the join.
func (s *Service) JoinRaceByCode(ctx context.Context, joinCode, wallet string) (*Race, error) {
	race, err := s.store.GetRaceByJoinCode(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if race == nil {
		return nil, fmt.Errorf("join code %s: %w", joinCode, ErrNotFound)
	}

	if race.ExpiresAt != 0 && race.ExpiresAt <= time.Now().Unix() && race.Status == StatusWaiting {
		if _, err := s.store.CancelWaitingRace(ctx, race.RaceID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("join code %s has expired: %w", joinCode, ErrInvalidState)
	}

	return s.claimRace(ctx, race, wallet)
}

// claimRace validates join preconditions and runs the atomic claim. Exactly
// one of two concurrent joiners can win; the loser gets ErrConflict with the
// race's current shape in the message.
func (s *Service) claimRace(ctx context.Context, race *Race, wallet string) (*Race, error) {
	if race.Player1Wallet == wallet {
		return nil, fmt.Errorf("cannot join your own race: %w", ErrConflict)
	}
	if race.Player2Wallet != "" {
		return nil, fmt.Errorf("race %s is already full: %w", race.RaceID, ErrConflict)
	}
	if race.Status != StatusWaiting {
		return nil, fmt.Errorf("race %s is %s, not %s: %w", race.RaceID, race.Status, StatusWaiting, ErrInvalidState)
	}

	claimed, err := s.store.ClaimWaitingRace(ctx, race.RaceID, wallet, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	if !claimed {
		current, err := s.store.GetRace(ctx, race.RaceID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("race %s: %w", race.RaceID, ErrNotFound)
		}
		if current.Status != StatusWaiting {
			return nil, fmt.Errorf("race %s is %s, not %s: %w", race.RaceID, current.Status, StatusWaiting, ErrInvalidState)
		}
		return nil, fmt.Errorf("race %s is already full: %w", race.RaceID, ErrConflict)
	}

	joined, err := s.store.GetRace(ctx, race.RaceID)
	if err != nil {
		return nil, err
	}
	if joined == nil {
		return nil, fmt.Errorf("race %s: %w", race.RaceID, ErrNotFound)
	}

	s.logger.Info("race joined",
		"race_id", joined.RaceID,
		"player1", joined.Player1Wallet,
		"player2", joined.Player2Wallet,
	)
	return joined, nil
}

// ListPublicRaces returns joinable public lobbies, newest first.
func (s *Service) ListPublicRaces(ctx context.Context, filter RaceFilter) ([]Race, error) {
	return s.store.ListOpenRaces(ctx, filter)
}

// ReadyState reports lobby readiness after a MarkReady call.
type ReadyState struct {
	Player1Ready bool
	Player2Ready bool
	BothReady    bool
}

// MarkReady flags the calling player as ready. Allowed while the race is
// WAITING or ACTIVE.
func (s *Service) MarkReady(ctx context.Context, raceID, wallet string) (*ReadyState, error) {
	race, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if race == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	if race.Status != StatusWaiting && race.Status != StatusActive {
		return nil, fmt.Errorf("race %s is %s: %w", raceID, race.Status, ErrInvalidState)
	}

	playerNumber := race.PlayerNumber(wallet)
	if playerNumber == 0 {
		return nil, fmt.Errorf("wallet is not a player in race %s: %w", raceID, ErrConflict)
	}

	if err := s.store.SetPlayerReady(ctx, raceID, playerNumber); err != nil {
		return nil, err
	}

	updated, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	return &ReadyState{
		Player1Ready: updated.Player1Ready,
		Player2Ready: updated.Player2Ready,
		BothReady:    updated.Player1Ready && updated.Player2Ready,
	}, nil
}

// CancelRace lets the creator abandon a race nobody has joined yet.
func (s *Service) CancelRace(ctx context.Context, raceID, wallet string) (*Race, error) {
	race, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if race == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	if race.Player1Wallet != wallet {
		return nil, fmt.Errorf("only the race creator can cancel: %w", ErrConflict)
	}
	if race.Status != StatusWaiting {
		return nil, fmt.Errorf("race %s is %s, not %s: %w", raceID, race.Status, StatusWaiting, ErrInvalidState)
	}

	cancelled, err := s.store.CancelWaitingRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		current, err := s.store.GetRace(ctx, raceID)
		if err != nil {
			return nil, err
		}
		status := StatusCancelled
		if current != nil {
			status = current.Status
		}
		return nil, fmt.Errorf("race %s is %s, not %s: %w", raceID, status, StatusWaiting, ErrInvalidState)
	}

	updated, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("race cancelled", "race_id", raceID, "wallet", wallet)
	return updated, nil
}

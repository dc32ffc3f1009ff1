package race

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// verifiedToleranceMs is recorded on a result whose trace hash checked out.
// Full replay simulation would verify finish times against it.
const verifiedToleranceMs = 50

var inputHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidateInputHash rejects anything that is not a hex-encoded sha256 digest.
func ValidateInputHash(inputHash string) error {
	if !inputHashPattern.MatchString(inputHash) {
		return fmt.Errorf("input hash must be 64 hex characters: %w", ErrInvalidState)
	}
	return nil
}

// ResultSubmission is one player's reported run.
type ResultSubmission struct {
	RaceID         string
	Wallet         string
	FinishTimeMs   int64
	CoinsCollected int64
	InputHash      string
	InputTrace     json.RawMessage
}

// SubmitResult stores a run, verifies it against its trace, and settles the
// race once both results are in. The insert commits before verification or
// settlement run, so a later failure in either never loses the result.
// Settlement failures are logged and retried on the next status read.
func (s *Service) SubmitResult(ctx context.Context, sub ResultSubmission) (*Result, *Race, error) {
	if err := ValidateInputHash(sub.InputHash); err != nil {
		return nil, nil, err
	}

	result := &Result{
		RaceID:         sub.RaceID,
		Wallet:         sub.Wallet,
		FinishTimeMs:   sub.FinishTimeMs,
		CoinsCollected: sub.CoinsCollected,
		InputHash:      sub.InputHash,
		InputTrace:     string(sub.InputTrace),
		SubmittedAt:    time.Now().Unix(),
	}

	err := s.store.WithTx(ctx, func(tx *Tx) error {
		race, err := s.store.GetRaceTx(ctx, tx, sub.RaceID)
		if err != nil {
			return err
		}
		if race == nil {
			return fmt.Errorf("race %s: %w", sub.RaceID, ErrNotFound)
		}
		if race.Status != StatusActive {
			return fmt.Errorf("cannot submit result for race with status %s: %w", race.Status, ErrInvalidState)
		}

		result.PlayerNumber = race.PlayerNumber(sub.Wallet)
		if result.PlayerNumber == 0 {
			return fmt.Errorf("wallet does not match any player in race %s: %w", sub.RaceID, ErrConflict)
		}

		id, err := s.store.InsertResultTx(ctx, tx, result)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return fmt.Errorf("result already submitted for race %s: %w", sub.RaceID, ErrConflict)
			}
			return err
		}
		result.ID = id
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.verifyResult(ctx, result)

	race, err := s.settleIfComplete(ctx, sub.RaceID)
	if err != nil {
		s.logger.Error("settlement attempt failed", "race_id", sub.RaceID, "error", err)
		race, err = s.store.GetRace(ctx, sub.RaceID)
		if err != nil {
			return nil, nil, err
		}
	}

	return result, race, nil
}

// verifyResult checks the trace against the submitted hash. Verification is
// advisory: any failure here downgrades the result to unverified and moves
// on, it never unwinds the stored row.
func (s *Service) verifyResult(ctx context.Context, result *Result) {
	if result.InputTrace == "" {
		return
	}

	digest, err := CanonicalTraceHash([]byte(result.InputTrace))
	if err != nil {
		s.logger.Warn("replay verification failed",
			"race_id", result.RaceID,
			"wallet", result.Wallet,
			"error", err,
		)
		return
	}
	if digest != result.InputHash {
		s.logger.Info("trace hash mismatch",
			"race_id", result.RaceID,
			"wallet", result.Wallet,
		)
		return
	}

	now := time.Now().Unix()
	if err := s.store.SetResultVerification(ctx, result.ID, true, verifiedToleranceMs, now); err != nil {
		s.logger.Warn("persist verification failed",
			"race_id", result.RaceID,
			"wallet", result.Wallet,
			"error", err,
		)
		return
	}
	result.Verified = true
	result.ToleranceMs = verifiedToleranceMs
	result.VerifiedAt = now
}

// CanonicalTraceHash hashes the canonical form of a JSON trace: compact,
// object keys sorted, so semantically identical traces hash identically
// regardless of how the client serialized them.
func CanonicalTraceHash(trace []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(trace, &decoded); err != nil {
		return "", fmt.Errorf("decode input trace: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize input trace: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}

// Results returns the submitted runs for a race, player1 first.
func (s *Service) Results(ctx context.Context, raceID string) ([]Result, error) {
	return s.store.GetResults(ctx, raceID)
}

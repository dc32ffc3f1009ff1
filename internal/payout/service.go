// Package payout orchestrates prize delivery for settled races: the direct
// on-chain claim for SOL wagers, the Jupiter swap leg for token wagers, and
// the SOL fallback when swapping is not possible.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/velorace/backend/internal/chain"
	"github.com/velorace/backend/internal/race"
	"github.com/velorace/backend/internal/swap"
)

// ErrNotSettledOnChain means the ledger shows the race settled but the chain
// does not yet, so a prize claim would fail its on-chain status check.
var ErrNotSettledOnChain = errors.New("race not settled on-chain")

// ChainGateway is the slice of the ledger gateway the orchestrator needs.
type ChainGateway interface {
	RaceProgramID() solana.PublicKey
	FetchRaceAccount(ctx context.Context, racePDA solana.PublicKey) (*chain.RaceAccount, error)
	BuildUnsignedTransaction(ctx context.Context, feePayer solana.PublicKey, instructions ...solana.Instruction) (*chain.UnsignedTransaction, error)
}

// SwapService quotes and builds the SOL-to-token swap leg.
type SwapService interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*swap.Quote, error)
	BuildSwapTransaction(ctx context.Context, quote *swap.Quote, userPublicKey string) (string, error)
}

type Service struct {
	store   *race.Store
	chain   ChainGateway
	swapper SwapService
	logger  *slog.Logger
}

func NewService(store *race.Store, gateway ChainGateway, swapper SwapService, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		chain:   gateway,
		swapper: swapper,
		logger:  logger.With("service", "payout"),
	}
}

// ProcessResult is what the winner's client needs to finish delivery: one
// unsigned transaction to sign, plus the amounts behind it.
type ProcessResult struct {
	Status          string
	Transaction     string
	SwapTransaction string
	PayoutID        int64
	AmountSOL       float64
	AmountTokens    *float64
	Method          string
	ErrorMessage    string
}

const (
	statusReadyForSigning = "ready_for_signing"
	statusCompleted       = "completed"
)

// Status returns the payout record for a race.
func (s *Service) Status(ctx context.Context, raceID string) (*race.Payout, error) {
	r, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, race.ErrNotFound)
	}

	payout, err := s.store.GetPayout(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, fmt.Errorf("payout for race %s: %w", raceID, race.ErrNotFound)
	}
	return payout, nil
}

// Process runs prize delivery for a settled race. It is safe to call
// repeatedly: the payout record is created at most once, and every call just
// rebuilds the transaction the winner has not signed yet.
//
// SOL wagers skip the swap and get a claim_prize transaction directly. Token
// wagers get a Jupiter swap transaction; if the swap leg cannot be built, the
// payout degrades to the SOL fallback path.
func (s *Service) Process(ctx context.Context, raceID string) (*ProcessResult, error) {
	r, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, race.ErrNotFound)
	}
	if r.Status != race.StatusSettled {
		return nil, fmt.Errorf("race %s is not settled, current status %s: %w", raceID, r.Status, race.ErrInvalidState)
	}

	payout, err := s.ensurePayout(ctx, r)
	if err != nil {
		return nil, err
	}
	if payout.CompletedAt != 0 {
		s.logger.Info("payout already completed", "race_id", raceID)
		return completedResult(payout), nil
	}

	if err := s.store.MarkPayoutSwapping(ctx, raceID, time.Now().Unix()); err != nil {
		return nil, err
	}

	if race.IsNativeMint(r.TokenMint) {
		return s.transferSOLDirectly(ctx, r, payout)
	}
	return s.swapAndTransfer(ctx, r, payout)
}

// Retry rewinds a FAILED (or still PENDING) payout and runs delivery again.
func (s *Service) Retry(ctx context.Context, raceID string) (*ProcessResult, error) {
	r, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("race %s: %w", raceID, race.ErrNotFound)
	}

	payout, err := s.store.GetPayout(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, fmt.Errorf("payout for race %s: %w", raceID, race.ErrNotFound)
	}

	reset, err := s.store.ResetPayoutForRetry(ctx, raceID)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, fmt.Errorf("payout cannot be retried, current status %s: %w", payout.SwapStatus, race.ErrInvalidState)
	}

	s.logger.Info("payout retry", "race_id", raceID, "previous_status", payout.SwapStatus)
	return s.Process(ctx, raceID)
}

// Complete records the signature of the delivery transaction the winner
// submitted and stamps the terminal status for the method used.
func (s *Service) Complete(ctx context.Context, raceID, signature, method string) error {
	done, err := s.store.CompletePayout(ctx, raceID, signature, method, time.Now().Unix())
	if err != nil {
		return err
	}
	if !done {
		s.logger.Warn("payout completion had no effect", "race_id", raceID, "method", method)
		return nil
	}
	s.logger.Info("payout completed", "race_id", raceID, "method", method, "signature", signature)
	return nil
}

// ensurePayout returns the race's payout record, creating it if settlement
// somehow finished without one. The one-per-race constraint makes concurrent
// creates converge on a single row.
func (s *Service) ensurePayout(ctx context.Context, r *race.Race) (*race.Payout, error) {
	payout, err := s.store.GetPayout(ctx, r.RaceID)
	if err != nil {
		return nil, err
	}
	if payout != nil {
		return payout, nil
	}

	results, err := s.store.GetResults(ctx, r.RaceID)
	if err != nil {
		return nil, err
	}

	winnerWallet := r.WinnerWallet
	var winnerResultID int64
	if winnerWallet == "" {
		winner, err := race.WinnerOf(results)
		if err != nil {
			return nil, fmt.Errorf("no winner for race %s: %w", r.RaceID, err)
		}
		winnerWallet = winner.Wallet
		winnerResultID = winner.ID
	} else {
		for _, result := range results {
			if result.Wallet == winnerWallet {
				winnerResultID = result.ID
				break
			}
		}
	}

	err = s.store.WithTx(ctx, func(tx *race.Tx) error {
		return s.store.InsertPayoutTx(ctx, tx, &race.Payout{
			RaceID:         r.RaceID,
			WinnerWallet:   winnerWallet,
			WinnerResultID: winnerResultID,
			PrizeLamports:  r.PrizeLamports(),
			TokenMint:      r.TokenMint,
			SwapStatus:     race.PayoutPending,
			CreatedAt:      time.Now().Unix(),
		})
	})
	if err != nil {
		return nil, err
	}

	payout, err = s.store.GetPayout(ctx, r.RaceID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		return nil, fmt.Errorf("payout for race %s: %w", r.RaceID, race.ErrNotFound)
	}
	s.logger.Info("payout created", "race_id", r.RaceID, "winner", winnerWallet)
	return payout, nil
}

// transferSOLDirectly prepares the claim_prize transaction. The payout stays
// SWAPPING until the winner's signed submission completes it.
func (s *Service) transferSOLDirectly(ctx context.Context, r *race.Race, payout *race.Payout) (*ProcessResult, error) {
	tx, err := s.buildClaimTransaction(ctx, r, payout.WinnerWallet)
	if err != nil {
		if errors.Is(err, ErrNotSettledOnChain) {
			// Not a delivery failure: the claim just needs the on-chain
			// settle first. Leave the payout where it is.
			return nil, err
		}
		if markErr := s.store.MarkPayoutFailed(ctx, r.RaceID, err.Error()); markErr != nil {
			s.logger.Error("mark payout failed", "race_id", r.RaceID, "error", markErr)
		}
		return nil, fmt.Errorf("build claim transaction: %w", err)
	}

	if err := s.store.SetPayoutFallbackAmount(ctx, r.RaceID, payout.PrizeSOL()); err != nil {
		return nil, err
	}

	s.logger.Info("claim transaction prepared", "race_id", r.RaceID, "winner", payout.WinnerWallet)
	return &ProcessResult{
		Status:      statusReadyForSigning,
		Transaction: tx.Base64,
		PayoutID:    payout.ID,
		AmountSOL:   payout.PrizeSOL(),
		Method:      race.PayoutMethodClaimPrize,
	}, nil
}

// swapAndTransfer prepares the Jupiter swap leg for a token wager. Any
// failure on the swap side routes to the SOL fallback instead of failing the
// payout outright.
func (s *Service) swapAndTransfer(ctx context.Context, r *race.Race, payout *race.Payout) (*ProcessResult, error) {
	quote, err := s.swapper.Quote(ctx, race.NativeMint, r.TokenMint, payout.PrizeLamports)
	if err != nil {
		return s.fallbackToSOL(ctx, r, payout, fmt.Sprintf("swap quote failed: %v", err))
	}

	swapTx, err := s.swapper.BuildSwapTransaction(ctx, quote, payout.WinnerWallet)
	if err != nil {
		return s.fallbackToSOL(ctx, r, payout, fmt.Sprintf("swap transaction failed: %v", err))
	}

	outAmount, err := strconv.ParseFloat(quote.OutAmount, 64)
	if err != nil {
		return s.fallbackToSOL(ctx, r, payout, fmt.Sprintf("invalid quote amount %q", quote.OutAmount))
	}
	tokenAmount := outAmount / math.Pow10(s.tokenDecimals(ctx, r.TokenMint))

	if err := s.store.SetPayoutTokenAmount(ctx, r.RaceID, tokenAmount); err != nil {
		return nil, err
	}

	s.logger.Info("swap transaction prepared",
		"race_id", r.RaceID,
		"winner", payout.WinnerWallet,
		"token_amount", tokenAmount,
	)
	return &ProcessResult{
		Status:          statusReadyForSigning,
		SwapTransaction: swapTx,
		PayoutID:        payout.ID,
		AmountSOL:       payout.PrizeSOL(),
		AmountTokens:    &tokenAmount,
		Method:          race.PayoutMethodJupiterSwap,
	}, nil
}

// fallbackToSOL delivers the prize as SOL via claim_prize after the swap leg
// failed. If even the fallback cannot be built the payout is FAILED with the
// combined reason, still eligible for retry.
func (s *Service) fallbackToSOL(ctx context.Context, r *race.Race, payout *race.Payout, reason string) (*ProcessResult, error) {
	s.logger.Warn("falling back to SOL delivery", "race_id", r.RaceID, "reason", reason)

	tx, err := s.buildClaimTransaction(ctx, r, payout.WinnerWallet)
	if err != nil {
		message := fmt.Sprintf("Fallback failed: %v", err)
		if markErr := s.store.MarkPayoutFailed(ctx, r.RaceID, message); markErr != nil {
			s.logger.Error("mark payout failed", "race_id", r.RaceID, "error", markErr)
		}
		return nil, fmt.Errorf("fallback claim transaction: %w", err)
	}

	if err := s.store.MarkPayoutFallback(ctx, r.RaceID, payout.PrizeSOL(), reason); err != nil {
		return nil, err
	}

	return &ProcessResult{
		Status:       statusReadyForSigning,
		Transaction:  tx.Base64,
		PayoutID:     payout.ID,
		AmountSOL:    payout.PrizeSOL(),
		Method:       race.PayoutMethodFallbackSOL,
		ErrorMessage: reason,
	}, nil
}

// buildClaimTransaction derives the race account, confirms the chain agrees
// the race is settled, and builds the winner-paid claim transaction.
func (s *Service) buildClaimTransaction(ctx context.Context, r *race.Race, winnerWallet string) (*chain.UnsignedTransaction, error) {
	winner, err := solana.PublicKeyFromBase58(winnerWallet)
	if err != nil {
		return nil, fmt.Errorf("parse winner wallet: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(r.TokenMint)
	if err != nil {
		return nil, fmt.Errorf("parse token mint: %w", err)
	}

	programID := s.chain.RaceProgramID()
	racePDA, _, err := chain.DeriveRacePDA(programID, r.RaceID, mint, r.EntryFeeLamports)
	if err != nil {
		return nil, fmt.Errorf("derive race address: %w", err)
	}

	if err := s.checkSettledOnChain(ctx, racePDA, r.RaceID); err != nil {
		return nil, err
	}

	instruction := chain.NewClaimPrizeInstruction(programID, racePDA, winner)
	return s.chain.BuildUnsignedTransaction(ctx, winner, instruction)
}

// checkSettledOnChain gates the claim on the program's view of the race.
// A missing account or an RPC failure is logged and waved through: the claim
// transaction will surface the real answer, and blocking delivery on a flaky
// lookup helps nobody.
func (s *Service) checkSettledOnChain(ctx context.Context, racePDA solana.PublicKey, raceID string) error {
	account, err := s.chain.FetchRaceAccount(ctx, racePDA)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			s.logger.Warn("race account missing on-chain, proceeding", "race_id", raceID)
			return nil
		}
		s.logger.Warn("on-chain race lookup failed, proceeding", "race_id", raceID, "error", err)
		return nil
	}
	if account.Status != chain.RaceStatusSettled {
		return fmt.Errorf(
			"race %s is %s on-chain; run the on-chain settle before claiming: %w",
			raceID, account.Status, ErrNotSettledOnChain,
		)
	}
	return nil
}

// completedResult reports a payout that already finished, so a repeated
// process call never rewinds a delivered prize.
func completedResult(p *race.Payout) *ProcessResult {
	result := &ProcessResult{
		Status:    statusCompleted,
		PayoutID:  p.ID,
		AmountSOL: p.PrizeSOL(),
	}
	switch {
	case p.TransferTxSignature != "":
		result.Method = race.PayoutMethodClaimPrize
	case p.SwapTxSignature != "":
		result.Method = race.PayoutMethodJupiterSwap
		result.AmountTokens = p.TokenAmount
	case p.FallbackTxSignature != "":
		result.Method = race.PayoutMethodFallbackSOL
	}
	return result
}

// tokenDecimals resolves swap output scaling from the registry, defaulting
// to SOL's 9 when the mint is unknown.
func (s *Service) tokenDecimals(ctx context.Context, mint string) int {
	token, err := s.store.GetToken(ctx, mint)
	if err != nil || token == nil {
		return 9
	}
	return token.Decimals
}

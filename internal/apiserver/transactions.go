package apiserver

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/velorace/backend/internal/chain"
	"github.com/velorace/backend/internal/race"
)

// confirmWindow bounds how long a submit call waits for finality before
// handing the signature back with confirmed=false.
const confirmWindow = 10 * time.Second

type buildTransactionRequest struct {
	InstructionType string  `json:"instruction_type"`
	WalletAddress   string  `json:"wallet_address"`
	TokenMint       string  `json:"token_mint"`
	EntryFeeSOL     float64 `json:"entry_fee_sol"`
	RaceID          string  `json:"race_id"`
	FinishTimeMs    int64   `json:"finish_time_ms"`
	CoinsCollected  int64   `json:"coins_collected"`
	InputHash       string  `json:"input_hash"`
}

type buildTransactionResponse struct {
	TransactionBytes string `json:"transaction_bytes"`
	InstructionType  string `json:"instruction_type"`
	RaceID           string `json:"race_id"`
	RacePDA          string `json:"race_pda"`
	RecentBlockhash  string `json:"recent_blockhash"`
}

type submitTransactionRequest struct {
	SignedTransactionBytes string `json:"signed_transaction_bytes"`
	InstructionType        string `json:"instruction_type"`
	RaceID                 string `json:"race_id"`
}

type submitTransactionResponse struct {
	TransactionSignature string `json:"transaction_signature"`
	InstructionType      string `json:"instruction_type"`
	RaceID               string `json:"race_id,omitempty"`
	Confirmed            bool   `json:"confirmed"`
}

type settleRaceRequest struct {
	FeePayer string `json:"fee_payer"`
}

type settleRaceResponse struct {
	RaceID               string `json:"race_id"`
	RacePDA              string `json:"race_pda"`
	TransactionSignature string `json:"transaction_signature,omitempty"`
	Confirmed            *bool  `json:"confirmed,omitempty"`
	TransactionBytes     string `json:"transaction_bytes,omitempty"`
	RecentBlockhash      string `json:"recent_blockhash,omitempty"`
	Message              string `json:"message,omitempty"`
}

type onchainResultView struct {
	FinishTimeMs   uint64 `json:"finish_time_ms"`
	CoinsCollected uint64 `json:"coins_collected"`
	InputHash      string `json:"input_hash"`
}

type onchainRaceResponse struct {
	RaceID           string             `json:"race_id"`
	RacePDA          string             `json:"race_pda"`
	TokenMint        string             `json:"token_mint"`
	EntryFeeLamports uint64             `json:"entry_fee_lamports"`
	Player1          string             `json:"player1"`
	Player2          *string            `json:"player2"`
	Status           string             `json:"status"`
	Player1Result    *onchainResultView `json:"player1_result"`
	Player2Result    *onchainResultView `json:"player2_result"`
	Winner           *string            `json:"winner"`
	EscrowLamports   uint64             `json:"escrow_lamports"`
	CreatedAt        int64              `json:"created_at"`
	Bump             uint8              `json:"bump"`
}

func (s *Service) racePDAFor(r *race.Race) (solana.PublicKey, error) {
	mint, err := solana.PublicKeyFromBase58(r.TokenMint)
	if err != nil {
		return solana.PublicKey{}, err
	}
	pda, _, err := chain.DeriveRacePDA(s.gateway.RaceProgramID(), r.RaceID, mint, r.EntryFeeLamports)
	return pda, err
}

func (s *Service) handleBuildTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request buildTransactionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	walletKey := solana.MustPublicKeyFromBase58(wallet)
	programID := s.gateway.RaceProgramID()

	var (
		raceID      string
		racePDA     solana.PublicKey
		instruction solana.Instruction
	)

	switch strings.TrimSpace(request.InstructionType) {
	case "create_race":
		request.TokenMint = strings.TrimSpace(request.TokenMint)
		if request.TokenMint == "" || request.EntryFeeSOL == 0 {
			s.respondError(w, http.StatusBadRequest, "token_mint and entry_fee_sol required for create_race")
			return
		}
		if err := race.ValidateEntryFee(request.EntryFeeSOL); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		mint, err := solana.PublicKeyFromBase58(request.TokenMint)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid token_mint")
			return
		}
		feeLamports := race.LamportsFromSOL(request.EntryFeeSOL)
		raceID = race.RaceIDFor(request.TokenMint, feeLamports, wallet)
		racePDA, _, err = chain.DeriveRacePDA(programID, raceID, mint, feeLamports)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		instruction, err = chain.NewCreateRaceInstruction(programID, racePDA, walletKey, raceID, mint, feeLamports)
		if err != nil {
			s.logger.Error("encode create_race failed", "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to build transaction")
			return
		}

	case "join_race":
		stored, ok := s.loadRaceForBuild(w, r.Context(), request.RaceID)
		if !ok {
			return
		}
		raceID = stored.RaceID
		racePDA, err = s.racePDAFor(stored)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		instruction = chain.NewJoinRaceInstruction(programID, racePDA, walletKey)

	case "submit_result":
		if request.FinishTimeMs <= 0 || strings.TrimSpace(request.InputHash) == "" {
			s.respondError(w, http.StatusBadRequest, "race_id, finish_time_ms, and input_hash required for submit_result")
			return
		}
		if err := race.ValidateInputHash(request.InputHash); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		stored, ok := s.loadRaceForBuild(w, r.Context(), request.RaceID)
		if !ok {
			return
		}
		raceID = stored.RaceID
		racePDA, err = s.racePDAFor(stored)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		var inputHash [32]byte
		rawHash, err := hex.DecodeString(strings.TrimSpace(request.InputHash))
		if err != nil || len(rawHash) != len(inputHash) {
			s.respondError(w, http.StatusBadRequest, "input_hash must be 32 bytes (64 hex characters)")
			return
		}
		copy(inputHash[:], rawHash)
		instruction, err = chain.NewSubmitResultInstruction(
			programID, racePDA, walletKey,
			uint64(request.FinishTimeMs), uint64(request.CoinsCollected), inputHash,
		)
		if err != nil {
			s.logger.Error("encode submit_result failed", "err", err)
			s.respondError(w, http.StatusInternalServerError, "failed to build transaction")
			return
		}

	case "claim_prize":
		stored, ok := s.loadRaceForBuild(w, r.Context(), request.RaceID)
		if !ok {
			return
		}
		raceID = stored.RaceID
		racePDA, err = s.racePDAFor(stored)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		instruction = chain.NewClaimPrizeInstruction(programID, racePDA, walletKey)

	default:
		s.respondError(w, http.StatusBadRequest,
			"unknown instruction_type; valid types: create_race, join_race, submit_result, claim_prize")
		return
	}

	unsigned, err := s.gateway.BuildUnsignedTransaction(r.Context(), walletKey, instruction)
	if err != nil {
		s.logger.Error("build transaction failed", "err", err, "instruction_type", request.InstructionType)
		s.respondError(w, http.StatusBadGateway, "failed to build transaction")
		return
	}

	s.respondJSON(w, http.StatusOK, buildTransactionResponse{
		TransactionBytes: unsigned.Base64,
		InstructionType:  request.InstructionType,
		RaceID:           raceID,
		RacePDA:          racePDA.String(),
		RecentBlockhash:  unsigned.Blockhash.String(),
	})
}

// loadRaceForBuild fetches the race a build request targets, writing the
// error response itself when the id is missing or unknown.
func (s *Service) loadRaceForBuild(w http.ResponseWriter, ctx context.Context, raceID string) (*race.Race, bool) {
	raceID = strings.TrimSpace(raceID)
	if raceID == "" {
		s.respondError(w, http.StatusBadRequest, "race_id is required")
		return nil, false
	}
	stored, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		s.logger.Error("load race failed", "err", err, "race_id", raceID)
		s.respondError(w, http.StatusInternalServerError, "failed to load race")
		return nil, false
	}
	if stored == nil {
		s.respondError(w, http.StatusNotFound, "race not found")
		return nil, false
	}
	return stored, true
}

func (s *Service) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request submitTransactionRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(request.SignedTransactionBytes) == "" {
		s.respondError(w, http.StatusBadRequest, "signed_transaction_bytes is required")
		return
	}

	tx, err := chain.DecodeSignedTransaction(request.SignedTransactionBytes)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := s.gateway.SubmitTransaction(r.Context(), tx)
	if err != nil {
		s.logger.Error("submit transaction failed", "err", err, "instruction_type", request.InstructionType)
		s.respondError(w, http.StatusBadGateway, "failed to submit transaction")
		return
	}

	request.RaceID = strings.TrimSpace(request.RaceID)
	if request.RaceID != "" {
		s.recordSubmittedSignature(r.Context(), request.RaceID, request.InstructionType, sig.String())
	}

	confirmCtx, cancel := context.WithTimeout(r.Context(), confirmWindow)
	confirmed, err := s.gateway.ConfirmTransaction(confirmCtx, sig)
	cancel()
	if err != nil {
		s.logger.Warn("confirm transaction failed", "err", err, "signature", sig.String())
	}

	s.respondJSON(w, http.StatusOK, submitTransactionResponse{
		TransactionSignature: sig.String(),
		InstructionType:      request.InstructionType,
		RaceID:               request.RaceID,
		Confirmed:            confirmed,
	})
}

// recordSubmittedSignature ties a submitted signature back to the ledger:
// create_race stamps the race row, payout legs complete the payout record.
// Failures here never fail the submit; the signature is already on chain.
func (s *Service) recordSubmittedSignature(ctx context.Context, raceID, instructionType, signature string) {
	switch instructionType {
	case "create_race":
		if err := s.store.SetRaceSignature(ctx, raceID, signature); err != nil {
			s.logger.Error("stamp race signature failed", "err", err, "race_id", raceID)
		}
	case race.PayoutMethodClaimPrize, race.PayoutMethodJupiterSwap, race.PayoutMethodFallbackSOL:
		if err := s.payouts.Complete(ctx, raceID, signature, instructionType); err != nil {
			s.logger.Error("complete payout failed", "err", err, "race_id", raceID, "method", instructionType)
		}
	}
}

func (s *Service) handleSettleRaceOnChain(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	stored, err := s.store.GetRace(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to load race")
		return
	}
	if stored == nil {
		s.respondError(w, http.StatusNotFound, "race not found")
		return
	}
	racePDA, err := s.racePDAFor(stored)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.gateway.HasSettlementSigner() {
		signature, confirmed, err := s.gateway.SettleRaceOnChain(
			r.Context(), stored.RaceID, stored.TokenMint, stored.EntryFeeLamports,
		)
		if err != nil {
			s.logger.Error("settle race on-chain failed", "err", err, "race_id", raceID)
			s.respondError(w, http.StatusBadGateway, "failed to settle race on-chain")
			return
		}
		s.respondJSON(w, http.StatusOK, settleRaceResponse{
			RaceID:               stored.RaceID,
			RacePDA:              racePDA.String(),
			TransactionSignature: signature,
			Confirmed:            &confirmed,
		})
		return
	}

	// No settlement keypair: hand back an unsigned transaction for the
	// caller's fee payer. settle_race itself is permissionless.
	var request settleRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, "fee_payer is required when no settlement signer is configured")
		return
	}
	feePayer, err := validateFeePayer(request.FeePayer)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	unsigned, err := s.gateway.BuildUnsignedTransaction(
		r.Context(), feePayer,
		chain.NewSettleRaceInstruction(s.gateway.RaceProgramID(), racePDA),
	)
	if err != nil {
		s.logger.Error("build settle transaction failed", "err", err, "race_id", raceID)
		s.respondError(w, http.StatusBadGateway, "failed to build settle transaction")
		return
	}

	s.respondJSON(w, http.StatusOK, settleRaceResponse{
		RaceID:           stored.RaceID,
		RacePDA:          racePDA.String(),
		TransactionBytes: unsigned.Base64,
		RecentBlockhash:  unsigned.Blockhash.String(),
		Message:          "Settle transaction built. Sign and submit via /api/transactions/submit",
	})
}

func validateFeePayer(feePayer string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(feePayer)
	if trimmed == "" {
		return solana.PublicKey{}, errors.New("fee_payer is required when no settlement signer is configured")
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, errors.New("invalid fee_payer")
	}
	return key, nil
}

func (s *Service) handleRaceOnChain(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	stored, err := s.store.GetRace(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to load race")
		return
	}
	if stored == nil {
		s.respondError(w, http.StatusNotFound, "race not found")
		return
	}
	racePDA, err := s.racePDAFor(stored)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := s.gateway.FetchRaceAccount(r.Context(), racePDA)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			s.respondError(w, http.StatusNotFound, "race account not found on chain")
			return
		}
		s.logger.Error("fetch race account failed", "err", err, "race_id", raceID)
		s.respondError(w, http.StatusBadGateway, "failed to fetch race account")
		return
	}

	s.respondJSON(w, http.StatusOK, onchainRaceView(account, racePDA))
}

func onchainRaceView(account *chain.RaceAccount, racePDA solana.PublicKey) onchainRaceResponse {
	view := onchainRaceResponse{
		RaceID:           account.RaceID,
		RacePDA:          racePDA.String(),
		TokenMint:        account.TokenMint.String(),
		EntryFeeLamports: account.EntryFeeSol,
		Player1:          account.Player1.String(),
		Status:           account.Status.String(),
		EscrowLamports:   account.EscrowAmount,
		CreatedAt:        account.CreatedAt,
		Bump:             account.Bump,
	}
	if account.Player2 != nil {
		view.Player2 = nullableString(account.Player2.String())
	}
	if account.Winner != nil {
		view.Winner = nullableString(account.Winner.String())
	}
	view.Player1Result = onchainResultViewOf(account.Player1Result)
	view.Player2Result = onchainResultViewOf(account.Player2Result)
	return view
}

func onchainResultViewOf(result *chain.RaceResult) *onchainResultView {
	if result == nil {
		return nil
	}
	return &onchainResultView{
		FinishTimeMs:   result.FinishTimeMs,
		CoinsCollected: result.CoinsCollected,
		InputHash:      hex.EncodeToString(result.InputHash[:]),
	}
}

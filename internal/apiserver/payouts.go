package apiserver

import (
	"net/http"

	"github.com/velorace/backend/internal/payout"
	"github.com/velorace/backend/internal/race"
)

type payoutResponse struct {
	PayoutID            int64    `json:"payout_id"`
	RaceID              string   `json:"race_id"`
	WinnerWallet        string   `json:"winner_wallet"`
	PrizeAmountSOL      float64  `json:"prize_amount_sol"`
	TokenMint           string   `json:"token_mint"`
	TokenAmount         *float64 `json:"token_amount"`
	SwapStatus          string   `json:"swap_status"`
	SwapTxSignature     *string  `json:"swap_tx_signature"`
	TransferTxSignature *string  `json:"transfer_tx_signature"`
	FallbackSolAmount   *float64 `json:"fallback_sol_amount"`
	FallbackTxSignature *string  `json:"fallback_tx_signature"`
	ErrorMessage        *string  `json:"error_message"`
	CreatedAt           int64    `json:"created_at"`
	SwapStartedAt       *int64   `json:"swap_started_at"`
	CompletedAt         *int64   `json:"completed_at"`
}

type processPayoutResponse struct {
	Status          string   `json:"status"`
	Transaction     string   `json:"transaction,omitempty"`
	SwapTransaction string   `json:"swap_transaction,omitempty"`
	PayoutID        int64    `json:"payout_id"`
	AmountSOL       float64  `json:"amount_sol"`
	AmountTokens    *float64 `json:"amount_tokens,omitempty"`
	Method          string   `json:"method"`
	Error           string   `json:"error,omitempty"`
}

func payoutView(p *race.Payout) payoutResponse {
	return payoutResponse{
		PayoutID:            p.ID,
		RaceID:              p.RaceID,
		WinnerWallet:        p.WinnerWallet,
		PrizeAmountSOL:      p.PrizeSOL(),
		TokenMint:           p.TokenMint,
		TokenAmount:         p.TokenAmount,
		SwapStatus:          string(p.SwapStatus),
		SwapTxSignature:     nullableString(p.SwapTxSignature),
		TransferTxSignature: nullableString(p.TransferTxSignature),
		FallbackSolAmount:   p.FallbackSolAmount,
		FallbackTxSignature: nullableString(p.FallbackTxSignature),
		ErrorMessage:        nullableString(p.ErrorMessage),
		CreatedAt:           p.CreatedAt,
		SwapStartedAt:       nullableInt64(p.SwapStartedAt),
		CompletedAt:         nullableInt64(p.CompletedAt),
	}
}

func processView(result *payout.ProcessResult) processPayoutResponse {
	return processPayoutResponse{
		Status:          result.Status,
		Transaction:     result.Transaction,
		SwapTransaction: result.SwapTransaction,
		PayoutID:        result.PayoutID,
		AmountSOL:       result.AmountSOL,
		AmountTokens:    result.AmountTokens,
		Method:          result.Method,
		Error:           result.ErrorMessage,
	}
}

func (s *Service) handlePayoutSubroutes(w http.ResponseWriter, r *http.Request) {
	raceID, action := splitPayoutSubroute(r.URL.Path)
	if raceID == "" {
		s.respondError(w, http.StatusNotFound, "race_id is required")
		return
	}

	switch action {
	case "":
		s.handlePayoutStatus(w, r, raceID)
	case "process":
		s.handleProcessPayout(w, r, raceID)
	case "retry":
		s.handleRetryPayout(w, r, raceID)
	default:
		s.respondError(w, http.StatusNotFound, "unknown payout route")
	}
}

func (s *Service) handlePayoutStatus(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	record, err := s.payouts.Status(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to read payout")
		return
	}
	s.respondJSON(w, http.StatusOK, payoutView(record))
}

func (s *Service) handleProcessPayout(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	result, err := s.payouts.Process(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to process payout")
		return
	}
	s.respondJSON(w, http.StatusOK, processView(result))
}

func (s *Service) handleRetryPayout(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	result, err := s.payouts.Retry(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to retry payout")
		return
	}
	s.respondJSON(w, http.StatusOK, processView(result))
}

package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/velorace/backend/internal/race"
)

type createRaceRequest struct {
	TokenMint     string  `json:"token_mint"`
	WalletAddress string  `json:"wallet_address"`
	EntryFeeSOL   float64 `json:"entry_fee_sol"`
	IsPrivate     bool    `json:"is_private"`
}

type joinRaceRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type joinByCodeRequest struct {
	JoinCode      string `json:"join_code"`
	WalletAddress string `json:"wallet_address"`
}

type submitResultRequest struct {
	RaceID         string          `json:"race_id"`
	WalletAddress  string          `json:"wallet_address"`
	FinishTimeMs   int64           `json:"finish_time_ms"`
	CoinsCollected int64           `json:"coins_collected"`
	InputHash      string          `json:"input_hash"`
	InputTrace     json.RawMessage `json:"input_trace"`
}

type raceResponse struct {
	ID                string  `json:"id"`
	RaceID            string  `json:"race_id"`
	TokenMint         string  `json:"token_mint"`
	TokenSymbol       string  `json:"token_symbol"`
	EntryFeeSOL       float64 `json:"entry_fee_sol"`
	IsPrivate         bool    `json:"is_private"`
	JoinCode          string  `json:"join_code,omitempty"`
	Player1Wallet     string  `json:"player1_wallet"`
	Player2Wallet     *string `json:"player2_wallet"`
	Status            string  `json:"status"`
	TrackSeed         int64   `json:"track_seed"`
	CreatedAt         int64   `json:"created_at"`
	ExpiresAt         *int64  `json:"expires_at,omitempty"`
	SolanaTxSignature *string `json:"solana_tx_signature"`
}

type racesListResponse struct {
	Items []raceResponse `json:"items"`
}

type readyResponse struct {
	RaceID       string `json:"race_id"`
	Player1Ready bool   `json:"player1_ready"`
	Player2Ready bool   `json:"player2_ready"`
	BothReady    bool   `json:"both_ready"`
}

type resultView struct {
	Wallet         string `json:"wallet"`
	PlayerNumber   int    `json:"player_number"`
	FinishTimeMs   int64  `json:"finish_time_ms"`
	CoinsCollected int64  `json:"coins_collected"`
	Verified       bool   `json:"verified"`
	SubmittedAt    int64  `json:"submitted_at"`
}

type raceStatusResponse struct {
	RaceID        string       `json:"race_id"`
	Status        string       `json:"status"`
	Player1Wallet string       `json:"player1_wallet"`
	Player2Wallet *string      `json:"player2_wallet"`
	Player1Ready  bool         `json:"player1_ready"`
	Player2Ready  bool         `json:"player2_ready"`
	WinnerWallet  *string      `json:"winner_wallet"`
	IsSettled     bool         `json:"is_settled"`
	Results       []resultView `json:"results"`
}

type submitResultResponse struct {
	Message  string `json:"message"`
	RaceID   string `json:"race_id"`
	Verified bool   `json:"verified"`
}

func raceView(r *race.Race) raceResponse {
	return raceResponse{
		ID:                r.ID,
		RaceID:            r.RaceID,
		TokenMint:         r.TokenMint,
		TokenSymbol:       r.TokenSymbol,
		EntryFeeSOL:       r.EntryFeeSOL(),
		IsPrivate:         r.IsPrivate,
		JoinCode:          r.JoinCode,
		Player1Wallet:     r.Player1Wallet,
		Player2Wallet:     nullableString(r.Player2Wallet),
		Status:            string(r.Status),
		TrackSeed:         r.TrackSeed,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         nullableInt64(r.ExpiresAt),
		SolanaTxSignature: nullableString(r.TxSignature),
	}
}

func resultViews(results []race.Result) []resultView {
	views := make([]resultView, 0, len(results))
	for _, result := range results {
		views = append(views, resultView{
			Wallet:         result.Wallet,
			PlayerNumber:   result.PlayerNumber,
			FinishTimeMs:   result.FinishTimeMs,
			CoinsCollected: result.CoinsCollected,
			Verified:       result.Verified,
			SubmittedAt:    result.SubmittedAt,
		})
	}
	return views
}

func raceStatusView(r *race.Race, results []race.Result) raceStatusResponse {
	return raceStatusResponse{
		RaceID:        r.RaceID,
		Status:        string(r.Status),
		Player1Wallet: r.Player1Wallet,
		Player2Wallet: nullableString(r.Player2Wallet),
		Player1Ready:  r.Player1Ready,
		Player2Ready:  r.Player2Ready,
		WinnerWallet:  nullableString(r.WinnerWallet),
		IsSettled:     r.Status == race.StatusSettled,
		Results:       resultViews(results),
	}
}

func validateWallet(wallet string) (string, error) {
	trimmed := strings.TrimSpace(wallet)
	if trimmed == "" {
		return "", errors.New("wallet_address is required")
	}
	if _, err := solana.PublicKeyFromBase58(trimmed); err != nil {
		return "", errors.New("invalid wallet_address")
	}
	return trimmed, nil
}

func (s *Service) handleCreateOrJoinRace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request createRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	request.TokenMint = strings.TrimSpace(request.TokenMint)
	if request.TokenMint == "" {
		s.respondError(w, http.StatusBadRequest, "token_mint is required")
		return
	}

	matched, err := s.races.CreateOrJoin(r.Context(), request.TokenMint, request.EntryFeeSOL, wallet)
	if err != nil {
		s.respondDomainError(w, err, "failed to match race")
		return
	}
	s.respondJSON(w, http.StatusOK, raceView(matched))
}

func (s *Service) handleCreateRace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request createRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	request.TokenMint = strings.TrimSpace(request.TokenMint)
	if request.TokenMint == "" {
		s.respondError(w, http.StatusBadRequest, "token_mint is required")
		return
	}

	created, err := s.races.CreateRace(r.Context(), request.TokenMint, request.EntryFeeSOL, wallet, request.IsPrivate)
	if err != nil {
		s.respondDomainError(w, err, "failed to create race")
		return
	}
	s.respondJSON(w, http.StatusOK, raceView(created))
}

func (s *Service) handleJoinRaceByCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request joinByCodeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	request.JoinCode = strings.TrimSpace(request.JoinCode)
	if request.JoinCode == "" {
		s.respondError(w, http.StatusBadRequest, "join_code is required")
		return
	}

	joined, err := s.races.JoinRaceByCode(r.Context(), request.JoinCode, wallet)
	if err != nil {
		s.respondDomainError(w, err, "failed to join race")
		return
	}
	s.respondJSON(w, http.StatusOK, raceView(joined))
}

func (s *Service) handleListPublicRaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	entryFee, err := parseOptionalFloat(r, "entry_fee_sol")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := race.RaceFilter{
		TokenMint: queryParam(r, "token_mint"),
		Limit:     limit,
	}
	if entryFee != nil {
		lamports := race.LamportsFromSOL(*entryFee)
		filter.EntryFeeLamports = &lamports
	}

	races, err := s.races.ListPublicRaces(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err, "failed to list races")
		return
	}

	items := make([]raceResponse, 0, len(races))
	for i := range races {
		items = append(items, raceView(&races[i]))
	}
	s.respondJSON(w, http.StatusOK, racesListResponse{Items: items})
}

func (s *Service) handleRaceSubroutes(w http.ResponseWriter, r *http.Request) {
	raceID, action := splitRaceSubroute(r.URL.Path)
	if raceID == "" {
		s.respondError(w, http.StatusNotFound, "race_id is required")
		return
	}

	switch action {
	case "join":
		s.handleJoinRace(w, r, raceID)
	case "ready":
		s.handleMarkReady(w, r, raceID)
	case "cancel":
		s.handleCancelRace(w, r, raceID)
	case "results":
		s.handleSubmitResult(w, r, raceID)
	case "status":
		s.handleRaceStatus(w, r, raceID)
	case "onchain":
		s.handleRaceOnChain(w, r, raceID)
	case "settle-onchain":
		s.handleSettleRaceOnChain(w, r, raceID)
	default:
		s.respondError(w, http.StatusNotFound, "unknown race route")
	}
}

func (s *Service) handleJoinRace(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request joinRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	joined, err := s.races.JoinRaceByID(r.Context(), raceID, wallet)
	if err != nil {
		s.respondDomainError(w, err, "failed to join race")
		return
	}
	s.respondJSON(w, http.StatusOK, raceView(joined))
}

func (s *Service) handleMarkReady(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request joinRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ready, err := s.races.MarkReady(r.Context(), raceID, wallet)
	if err != nil {
		s.respondDomainError(w, err, "failed to mark ready")
		return
	}
	s.respondJSON(w, http.StatusOK, readyResponse{
		RaceID:       raceID,
		Player1Ready: ready.Player1Ready,
		Player2Ready: ready.Player2Ready,
		BothReady:    ready.BothReady,
	})
}

func (s *Service) handleCancelRace(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request joinRaceRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	cancelled, err := s.races.CancelRace(r.Context(), raceID, wallet)
	if err != nil {
		s.respondDomainError(w, err, "failed to cancel race")
		return
	}
	s.respondJSON(w, http.StatusOK, raceView(cancelled))
}

func (s *Service) handleSubmitResult(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request submitResultRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.RaceID != "" && request.RaceID != raceID {
		s.respondError(w, http.StatusBadRequest, "race_id in body does not match path")
		return
	}
	wallet, err := validateWallet(request.WalletAddress)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if request.FinishTimeMs <= 0 {
		s.respondError(w, http.StatusBadRequest, "finish_time_ms must be positive")
		return
	}
	if request.CoinsCollected < 0 {
		s.respondError(w, http.StatusBadRequest, "coins_collected must not be negative")
		return
	}
	if err := race.ValidateInputHash(request.InputHash); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, _, err := s.races.SubmitResult(r.Context(), race.ResultSubmission{
		RaceID:         raceID,
		Wallet:         wallet,
		FinishTimeMs:   request.FinishTimeMs,
		CoinsCollected: request.CoinsCollected,
		InputHash:      request.InputHash,
		InputTrace:     request.InputTrace,
	})
	if err != nil {
		s.respondDomainError(w, err, "failed to submit result")
		return
	}
	s.respondJSON(w, http.StatusOK, submitResultResponse{
		Message:  "Result submitted successfully",
		RaceID:   raceID,
		Verified: result.Verified,
	})
}

func (s *Service) handleRaceStatus(w http.ResponseWriter, r *http.Request, raceID string) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	current, results, err := s.races.RaceStatus(r.Context(), raceID)
	if err != nil {
		s.respondDomainError(w, err, "failed to read race status")
		return
	}
	s.respondJSON(w, http.StatusOK, raceStatusView(current, results))
}

package apiserver

import (
	"net/http"
	"strings"
	"testing"

	"github.com/velorace/backend/internal/race"
)

func TestBuildTransactionValidation(t *testing.T) {
	service := newTestService(t)
	handler := service.routes()
	wallet := newWallet()

	cases := []struct {
		name     string
		request  buildTransactionRequest
		code     int
		fragment string
	}{
		{
			name:     "unknown instruction type",
			request:  buildTransactionRequest{InstructionType: "mint_nft", WalletAddress: wallet},
			code:     http.StatusBadRequest,
			fragment: "unknown instruction_type",
		},
		{
			name:     "missing wallet",
			request:  buildTransactionRequest{InstructionType: "create_race", TokenMint: race.NativeMint, EntryFeeSOL: 0.01},
			code:     http.StatusBadRequest,
			fragment: "wallet_address is required",
		},
		{
			name:     "create race without mint",
			request:  buildTransactionRequest{InstructionType: "create_race", WalletAddress: wallet, EntryFeeSOL: 0.01},
			code:     http.StatusBadRequest,
			fragment: "token_mint and entry_fee_sol required",
		},
		{
			name:     "create race fee out of band",
			request:  buildTransactionRequest{InstructionType: "create_race", WalletAddress: wallet, TokenMint: race.NativeMint, EntryFeeSOL: 0.5},
			code:     http.StatusBadRequest,
			fragment: "outside allowed range",
		},
		{
			name:     "create race bad mint",
			request:  buildTransactionRequest{InstructionType: "create_race", WalletAddress: wallet, TokenMint: "not-a-mint", EntryFeeSOL: 0.01},
			code:     http.StatusBadRequest,
			fragment: "invalid token_mint",
		},
		{
			name:     "submit result without hash",
			request:  buildTransactionRequest{InstructionType: "submit_result", WalletAddress: wallet, RaceID: "race_x", FinishTimeMs: 61_000},
			code:     http.StatusBadRequest,
			fragment: "input_hash required",
		},
		{
			name:     "submit result malformed hash",
			request:  buildTransactionRequest{InstructionType: "submit_result", WalletAddress: wallet, RaceID: "race_x", FinishTimeMs: 61_000, InputHash: strings.Repeat("z", 64)},
			code:     http.StatusBadRequest,
			fragment: "64 hex characters",
		},
		{
			name:     "join race without id",
			request:  buildTransactionRequest{InstructionType: "join_race", WalletAddress: wallet},
			code:     http.StatusBadRequest,
			fragment: "race_id is required",
		},
		{
			name:     "join race unknown id",
			request:  buildTransactionRequest{InstructionType: "join_race", WalletAddress: wallet, RaceID: "race_missing"},
			code:     http.StatusNotFound,
			fragment: "race not found",
		},
		{
			name:     "claim prize unknown id",
			request:  buildTransactionRequest{InstructionType: "claim_prize", WalletAddress: wallet, RaceID: "race_missing"},
			code:     http.StatusNotFound,
			fragment: "race not found",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			recorder := doJSON(t, handler, http.MethodPost, "/api/transactions/build", c.request)
			wantError(t, recorder, c.code, c.fragment)
		})
	}

	wantStatus(t, doJSON(t, handler, http.MethodGet, "/api/transactions/build", nil), http.StatusMethodNotAllowed)
}

func TestBuildTransactionNeedsRPC(t *testing.T) {
	// Everything validates, so the handler reaches the (dead) RPC endpoint
	// for a blockhash and reports the upstream failure.
	handler := newTestService(t).routes()

	recorder := doJSON(t, handler, http.MethodPost, "/api/transactions/build", buildTransactionRequest{
		InstructionType: "create_race",
		WalletAddress:   newWallet(),
		TokenMint:       race.NativeMint,
		EntryFeeSOL:     0.01,
	})
	wantError(t, recorder, http.StatusBadGateway, "failed to build transaction")
}

func TestSubmitTransactionValidation(t *testing.T) {
	handler := newTestService(t).routes()

	recorder := doJSON(t, handler, http.MethodPost, "/api/transactions/submit", submitTransactionRequest{
		InstructionType: "create_race",
	})
	wantError(t, recorder, http.StatusBadRequest, "signed_transaction_bytes is required")

	recorder = doJSON(t, handler, http.MethodPost, "/api/transactions/submit", submitTransactionRequest{
		SignedTransactionBytes: "!!! not base64 !!!",
	})
	wantError(t, recorder, http.StatusBadRequest, "decode base64 transaction")

	recorder = doJSON(t, handler, http.MethodPost, "/api/transactions/submit", submitTransactionRequest{
		SignedTransactionBytes: "aGVsbG8gd29ybGQ=",
	})
	wantError(t, recorder, http.StatusBadRequest, "deserialize transaction")
}

func TestSettleOnChainWithoutSigner(t *testing.T) {
	service := newTestService(t)
	handler := service.routes()
	alice, bob := newWallet(), newWallet()

	doJSON(t, handler, http.MethodPost, "/api/races/create-or-join", createRaceRequest{
		TokenMint: race.NativeMint, WalletAddress: alice, EntryFeeSOL: 0.01,
	})
	recorder := doJSON(t, handler, http.MethodPost, "/api/races/create-or-join", createRaceRequest{
		TokenMint: race.NativeMint, WalletAddress: bob, EntryFeeSOL: 0.01,
	})
	var active raceResponse
	decodeResponse(t, recorder, &active)

	// Without a settlement keypair the endpoint builds for the caller's fee
	// payer, so the fee payer is mandatory.
	recorder = doJSON(t, handler, http.MethodPost, "/api/races/"+active.RaceID+"/settle-onchain", settleRaceRequest{})
	wantError(t, recorder, http.StatusBadRequest, "fee_payer is required")

	recorder = doJSON(t, handler, http.MethodPost, "/api/races/"+active.RaceID+"/settle-onchain", settleRaceRequest{FeePayer: "junk"})
	wantError(t, recorder, http.StatusBadRequest, "invalid fee_payer")

	// Valid fee payer still needs the RPC node for a blockhash.
	recorder = doJSON(t, handler, http.MethodPost, "/api/races/"+active.RaceID+"/settle-onchain", settleRaceRequest{FeePayer: alice})
	wantStatus(t, recorder, http.StatusBadGateway)

	recorder = doJSON(t, handler, http.MethodPost, "/api/races/race_missing/settle-onchain", settleRaceRequest{FeePayer: alice})
	wantError(t, recorder, http.StatusNotFound, "race not found")
}

func TestRaceOnChainNeedsRPC(t *testing.T) {
	handler := newTestService(t).routes()
	alice := newWallet()

	recorder := doJSON(t, handler, http.MethodPost, "/api/races/create-or-join", createRaceRequest{
		TokenMint: race.NativeMint, WalletAddress: alice, EntryFeeSOL: 0.01,
	})
	var lobby raceResponse
	decodeResponse(t, recorder, &lobby)

	recorder = doJSON(t, handler, http.MethodGet, "/api/races/"+lobby.RaceID+"/onchain", nil)
	wantError(t, recorder, http.StatusBadGateway, "failed to fetch race account")

	recorder = doJSON(t, handler, http.MethodGet, "/api/races/race_missing/onchain", nil)
	wantError(t, recorder, http.StatusNotFound, "race not found")
}

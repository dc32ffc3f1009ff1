package apiserver

import (
	"net/http"
	"testing"

	"github.com/velorace/backend/internal/race"
)

func TestListTokensOverHTTP(t *testing.T) {
	handler := newTestService(t).routes()

	recorder := doJSON(t, handler, http.MethodGet, "/api/tokens", nil)
	wantStatus(t, recorder, http.StatusOK)
	var listed tokensListResponse
	decodeResponse(t, recorder, &listed)

	if len(listed.Items) != 3 {
		t.Fatalf("expected the seeded registry, got %+v", listed.Items)
	}
	for i, symbol := range []string{"BONK", "META", "SOL"} {
		if listed.Items[i].Symbol != symbol {
			t.Fatalf("tokens not sorted by symbol: %+v", listed.Items)
		}
	}
	sol := listed.Items[2]
	if sol.MintAddress != race.NativeMint || sol.Decimals != 9 {
		t.Fatalf("SOL entry wrong: %+v", sol)
	}

	wantStatus(t, doJSON(t, handler, http.MethodPost, "/api/tokens", nil), http.StatusMethodNotAllowed)
}

func TestTokenByMintOverHTTP(t *testing.T) {
	handler := newTestService(t).routes()

	recorder := doJSON(t, handler, http.MethodGet, "/api/tokens/"+race.NativeMint, nil)
	wantStatus(t, recorder, http.StatusOK)
	var token tokenResponse
	decodeResponse(t, recorder, &token)
	if token.Symbol != "SOL" || token.Name != "Solana" {
		t.Fatalf("unexpected token: %+v", token)
	}

	wantStatus(t, doJSON(t, handler, http.MethodGet, "/api/tokens/"+newWallet(), nil), http.StatusNotFound)
	wantError(t, doJSON(t, handler, http.MethodGet, "/api/tokens/", nil), http.StatusNotFound, "mint address is required")
}

func TestTrackOverHTTP(t *testing.T) {
	handler := newTestService(t).routes()

	recorder := doJSON(t, handler, http.MethodGet, "/api/track?token_mint="+race.NativeMint+"&seed=917", nil)
	wantStatus(t, recorder, http.StatusOK)
	var track race.Track
	decodeResponse(t, recorder, &track)
	if track.Seed != 917 || track.PointCount != 1000 || len(track.Samples) != 1000 {
		t.Fatalf("unexpected track shape: seed=%d points=%d", track.Seed, track.PointCount)
	}
	if track.TokenSymbol != "SOL" {
		t.Fatalf("symbol %q", track.TokenSymbol)
	}

	// Both clients fetch the course by seed; it must not drift between calls.
	recorder = doJSON(t, handler, http.MethodGet, "/api/track?token_mint="+race.NativeMint+"&seed=917", nil)
	var replay race.Track
	decodeResponse(t, recorder, &replay)
	if replay.Samples[1] != track.Samples[1] || replay.Samples[999] != track.Samples[999] {
		t.Fatal("same seed produced different tracks")
	}

	// No seed pins nothing: the request still succeeds with a random course.
	recorder = doJSON(t, handler, http.MethodGet, "/api/track?token_mint="+race.NativeMint, nil)
	wantStatus(t, recorder, http.StatusOK)

	wantError(t, doJSON(t, handler, http.MethodGet, "/api/track", nil),
		http.StatusBadRequest, "token_mint is required")
	wantError(t, doJSON(t, handler, http.MethodGet, "/api/track?token_mint="+race.NativeMint+"&seed=abc", nil),
		http.StatusBadRequest, "invalid seed")
}

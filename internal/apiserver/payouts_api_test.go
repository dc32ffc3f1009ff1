package apiserver

import (
	"net/http"
	"testing"

	"github.com/velorace/backend/internal/race"
)

func TestPayoutRoutes(t *testing.T) {
	handler := newTestService(t).routes()
	alice := newWallet()

	recorder := doJSON(t, handler, http.MethodPost, "/api/races/create-or-join", createRaceRequest{
		TokenMint: race.NativeMint, WalletAddress: alice, EntryFeeSOL: 0.01,
	})
	var lobby raceResponse
	decodeResponse(t, recorder, &lobby)

	// No payout exists until the race settles.
	wantStatus(t, doJSON(t, handler, http.MethodGet, "/api/payouts/"+lobby.RaceID, nil), http.StatusNotFound)
	wantStatus(t, doJSON(t, handler, http.MethodGet, "/api/payouts/race_missing", nil), http.StatusNotFound)

	// A waiting race has nothing to deliver.
	wantStatus(t, doJSON(t, handler, http.MethodPost, "/api/payouts/"+lobby.RaceID+"/process", nil), http.StatusBadRequest)
	wantStatus(t, doJSON(t, handler, http.MethodPost, "/api/payouts/"+lobby.RaceID+"/retry", nil), http.StatusNotFound)

	wantError(t, doJSON(t, handler, http.MethodGet, "/api/payouts/"+lobby.RaceID+"/history", nil),
		http.StatusNotFound, "unknown payout route")
	wantError(t, doJSON(t, handler, http.MethodGet, "/api/payouts/", nil),
		http.StatusNotFound, "race_id is required")

	wantStatus(t, doJSON(t, handler, http.MethodPost, "/api/payouts/"+lobby.RaceID, nil), http.StatusMethodNotAllowed)
	wantStatus(t, doJSON(t, handler, http.MethodGet, "/api/payouts/"+lobby.RaceID+"/process", nil), http.StatusMethodNotAllowed)
}

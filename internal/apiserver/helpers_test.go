package apiserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/velorace/backend/internal/chain"
	"github.com/velorace/backend/internal/config"
	"github.com/velorace/backend/internal/payout"
	"github.com/velorace/backend/internal/race"
	"github.com/velorace/backend/internal/swap"
	"github.com/velorace/backend/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBareService wires just enough for the handlers that never touch the
// database, so middleware and routing tests run without one.
func newBareService() *Service {
	return &Service{
		logger:          discardLogger(),
		allowAllOrigins: true,
	}
}

// newTestService builds the full service against a throwaway schema. The RPC
// and swap endpoints point at a closed local port: nothing here may depend on
// an upstream answering, only on how its absence is handled.
func newTestService(t *testing.T) *Service {
	t.Helper()
	store := testutil.OpenTestStore(t)
	logger := discardLogger()

	cfg := config.APIServerConfig{
		ListenAddr: "127.0.0.1:0",
		Chain: config.ChainConfig{
			RPCURL:        "http://127.0.0.1:1",
			Commitment:    rpc.CommitmentConfirmed,
			RaceProgramID: solana.MustPublicKeyFromBase58("5Qe7B4LEMjmfbWgt2ctKY8ZzesDobubBi79HwPABJFkQ"),
		},
		Swap: config.SwapConfig{
			APIURL:         "http://127.0.0.1:1",
			RequestTimeout: time.Second,
			SlippageBps:    50,
		},
		Lifecycle: config.LifecycleConfig{
			PublicRaceTTL:  5 * time.Minute,
			PrivateRaceTTL: 10 * time.Minute,
			RaceRetention:  time.Hour,
		},
	}

	gateway, err := chain.NewGateway(cfg.Chain, logger)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}

	return &Service{
		cfg:             cfg,
		logger:          logger,
		store:           store,
		races:           race.NewService(store, nil, cfg.Lifecycle, logger),
		payouts:         payout.NewService(store, gateway, swap.NewClient(cfg.Swap, logger), logger),
		gateway:         gateway,
		allowAllOrigins: true,
	}
}

func newWallet() string {
	return solana.NewWallet().PublicKey().String()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func wantStatus(t *testing.T, recorder *httptest.ResponseRecorder, code int) {
	t.Helper()
	if recorder.Code != code {
		t.Fatalf("status %d, want %d (body %s)", recorder.Code, code, recorder.Body.String())
	}
}

func wantError(t *testing.T, recorder *httptest.ResponseRecorder, code int, fragment string) {
	t.Helper()
	wantStatus(t, recorder, code)
	var response errorResponse
	decodeResponse(t, recorder, &response)
	if fragment != "" && !bytes.Contains([]byte(response.Error), []byte(fragment)) {
		t.Fatalf("error %q does not mention %q", response.Error, fragment)
	}
}

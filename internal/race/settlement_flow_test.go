package race_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/velorace/backend/internal/race"
)

func tracedSubmission(t *testing.T, raceID, wallet string, finishMs, coins int64) race.ResultSubmission {
	t.Helper()
	trace := json.RawMessage(fmt.Sprintf(`{"wallet":%q,"frames":[1,2,3],"finish":%d}`, wallet, finishMs))
	hash, err := race.CanonicalTraceHash(trace)
	if err != nil {
		t.Fatalf("hash trace: %v", err)
	}
	return race.ResultSubmission{
		RaceID:         raceID,
		Wallet:         wallet,
		FinishTimeMs:   finishMs,
		CoinsCollected: coins,
		InputHash:      hash,
		InputTrace:     trace,
	}
}

// runRaceToSettlement creates a lobby, matches two wallets into it, and
// submits both results with alice finishing faster.
func runRaceToSettlement(t *testing.T, svc *race.Service, mint string) (*race.Race, string, string) {
	t.Helper()
	ctx := context.Background()
	alice := newWallet(t)
	bob := newWallet(t)

	created, err := svc.CreateOrJoin(ctx, mint, 0.01, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateOrJoin(ctx, mint, 0.01, bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, _, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, alice, 71_000, 10)); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	_, settled, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, bob, 74_000, 25))
	if err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	return settled, alice, bob
}

func TestSubmitResultsSettleRace(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	settled, alice, _ := runRaceToSettlement(t, svc, race.NativeMint)
	if settled.Status != race.StatusSettled {
		t.Fatalf("race should settle after both results, got %s", settled.Status)
	}
	if settled.WinnerWallet != alice {
		t.Fatalf("faster run should win, winner = %q", settled.WinnerWallet)
	}
	if settled.SettledAt == 0 {
		t.Fatal("settlement must stamp settled_at")
	}

	results, err := svc.Results(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 2 || results[0].PlayerNumber != 1 || results[1].PlayerNumber != 2 {
		t.Fatalf("expected both results ordered player1 first: %+v", results)
	}
	for _, result := range results {
		if !result.Verified {
			t.Fatalf("trace-backed result should verify: %+v", result)
		}
	}

	payout, err := store.GetPayout(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout == nil {
		t.Fatal("settlement must create the payout row")
	}
	if payout.WinnerWallet != alice || payout.SwapStatus != race.PayoutPending {
		t.Fatalf("unexpected payout: %+v", payout)
	}
	if payout.PrizeLamports != settled.PrizeLamports() {
		t.Fatalf("prize %d, want %d", payout.PrizeLamports, settled.PrizeLamports())
	}
	if payout.WinnerResultID != results[0].ID {
		t.Fatalf("payout should reference the winning result, got %d", payout.WinnerResultID)
	}
}

func TestSubmitResultGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	alice := newWallet(t)
	bob := newWallet(t)

	created, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Nobody joined yet.
	if _, _, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, alice, 70_000, 1)); !errors.Is(err, race.ErrInvalidState) {
		t.Fatalf("waiting race should reject results, got %v", err)
	}

	if _, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, _, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, newWallet(t), 70_000, 1)); !errors.Is(err, race.ErrConflict) {
		t.Fatalf("outsider result should conflict, got %v", err)
	}

	sub := tracedSubmission(t, created.RaceID, alice, 70_000, 1)
	sub.InputHash = "not-a-hash"
	if _, _, err := svc.SubmitResult(ctx, sub); !errors.Is(err, race.ErrInvalidState) {
		t.Fatalf("malformed hash should be rejected, got %v", err)
	}

	if _, _, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, alice, 70_000, 1)); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if _, _, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, alice, 65_000, 9)); !errors.Is(err, race.ErrConflict) {
		t.Fatalf("second submission from the same wallet should conflict, got %v", err)
	}
}

func TestUnverifiedTraceStillCounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	alice := newWallet(t)
	bob := newWallet(t)

	created, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Hash does not match the trace: the run is stored but stays unverified.
	sub := tracedSubmission(t, created.RaceID, alice, 70_000, 1)
	sub.InputTrace = json.RawMessage(`{"tampered":true}`)
	result, _, err := svc.SubmitResult(ctx, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Verified {
		t.Fatal("mismatched trace must not verify")
	}

	_, settled, err := svc.SubmitResult(ctx, tracedSubmission(t, created.RaceID, bob, 74_000, 2))
	if err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	if settled.Status != race.StatusSettled || settled.WinnerWallet != alice {
		t.Fatalf("unverified results still settle on reported times: %+v", settled)
	}
}

func TestRaceStatusReconcilesStuckSettlement(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	alice := newWallet(t)
	bob := newWallet(t)

	created, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateOrJoin(ctx, race.NativeMint, 0.01, bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Land both results behind the service's back, leaving the race ACTIVE
	// the way a crash between insert and settle would.
	err = store.WithTx(ctx, func(tx *race.Tx) error {
		for i, wallet := range []string{alice, bob} {
			sub := tracedSubmission(t, created.RaceID, wallet, int64(70_000+i*1000), int64(i))
			if _, err := store.InsertResultTx(ctx, tx, &race.Result{
				RaceID:         sub.RaceID,
				Wallet:         sub.Wallet,
				PlayerNumber:   i + 1,
				FinishTimeMs:   sub.FinishTimeMs,
				CoinsCollected: sub.CoinsCollected,
				InputHash:      sub.InputHash,
				SubmittedAt:    time.Now().Unix(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert results: %v", err)
	}

	current, results, err := svc.RaceStatus(ctx, created.RaceID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if current.Status != race.StatusSettled || current.WinnerWallet != alice {
		t.Fatalf("status read should finish the settlement: %+v", current)
	}
	if len(results) != 2 {
		t.Fatalf("expected both results, got %d", len(results))
	}
}

func TestCompletePayoutStampsMethodColumn(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	settled, _, _ := runRaceToSettlement(t, svc, race.NativeMint)

	done, err := store.CompletePayout(ctx, settled.RaceID, "sig-claim", race.PayoutMethodClaimPrize, time.Now().Unix())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done {
		t.Fatal("first completion should land")
	}

	payout, err := store.GetPayout(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout.SwapStatus != race.PayoutPaid || payout.TransferTxSignature != "sig-claim" || payout.CompletedAt == 0 {
		t.Fatalf("unexpected completed payout: %+v", payout)
	}

	// A second delivery report must not overwrite the first.
	done, err = store.CompletePayout(ctx, settled.RaceID, "sig-other", race.PayoutMethodFallbackSOL, time.Now().Unix())
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if done {
		t.Fatal("completed payout accepted a second signature")
	}
}

func TestResetPayoutForRetryGating(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	settled, _, _ := runRaceToSettlement(t, svc, race.NativeMint)

	if err := store.MarkPayoutFailed(ctx, settled.RaceID, "swap exploded"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	reset, err := store.ResetPayoutForRetry(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !reset {
		t.Fatal("failed payout should be retryable")
	}
	payout, err := store.GetPayout(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	if payout.SwapStatus != race.PayoutPending || payout.ErrorMessage != "" {
		t.Fatalf("reset should rewind to pending and clear the error: %+v", payout)
	}

	if _, err := store.CompletePayout(ctx, settled.RaceID, "sig", race.PayoutMethodClaimPrize, time.Now().Unix()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	reset, err = store.ResetPayoutForRetry(ctx, settled.RaceID)
	if err != nil {
		t.Fatalf("reset paid: %v", err)
	}
	if reset {
		t.Fatal("paid payout must never rewind")
	}
}

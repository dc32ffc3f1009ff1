package chain

import (
	"bytes"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

func encodeRaceAccount(t *testing.T, account *RaceAccount) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	buf.Write(raceAccountDiscriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(*account); err != nil {
		t.Fatalf("encode race account: %v", err)
	}
	return buf.Bytes()
}

func TestParseRaceAccountSettled(t *testing.T) {
	player1 := solana.NewWallet().PublicKey()
	player2 := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

	var hash1, hash2 [32]uint8
	for i := range hash1 {
		hash1[i] = byte(i)
		hash2[i] = byte(255 - i)
	}

	want := &RaceAccount{
		RaceID:        "race_0a1b2c3d4e5f60718293a4b5c6d",
		TokenMint:     mint,
		EntryFeeSol:   10_000_000,
		Player1:       player1,
		Player2:       &player2,
		Status:        RaceStatusSettled,
		Player1Result: &RaceResult{FinishTimeMs: 71_200, CoinsCollected: 14, InputHash: hash1},
		Player2Result: &RaceResult{FinishTimeMs: 73_900, CoinsCollected: 21, InputHash: hash2},
		Winner:        &player1,
		EscrowAmount:  20_000_000,
		CreatedAt:     1_756_000_000,
		Bump:          254,
	}

	got, err := ParseRaceAccount(encodeRaceAccount(t, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.RaceID != want.RaceID || !got.TokenMint.Equals(mint) || got.EntryFeeSol != want.EntryFeeSol {
		t.Fatalf("race identity fields drifted: %+v", got)
	}
	if got.Player2 == nil || !got.Player2.Equals(player2) {
		t.Fatalf("player2 round trip: %+v", got.Player2)
	}
	if got.Status != RaceStatusSettled {
		t.Fatalf("status round trip: %v", got.Status)
	}
	if got.Player1Result == nil || *got.Player1Result != *want.Player1Result {
		t.Fatalf("player1 result round trip: %+v", got.Player1Result)
	}
	if got.Player2Result == nil || *got.Player2Result != *want.Player2Result {
		t.Fatalf("player2 result round trip: %+v", got.Player2Result)
	}
	if got.Winner == nil || !got.Winner.Equals(player1) {
		t.Fatalf("winner round trip: %+v", got.Winner)
	}
	if got.EscrowAmount != want.EscrowAmount || got.CreatedAt != want.CreatedAt || got.Bump != want.Bump {
		t.Fatalf("tail fields drifted: %+v", got)
	}
}

func TestParseRaceAccountWaiting(t *testing.T) {
	want := &RaceAccount{
		RaceID:      "race_0a1b2c3d4e5f60718293a4b5c6d",
		TokenMint:   solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112"),
		EntryFeeSol: 5_000_000,
		Player1:     solana.NewWallet().PublicKey(),
		Status:      RaceStatusWaiting,
		CreatedAt:   1_756_000_000,
		Bump:        255,
	}

	got, err := ParseRaceAccount(encodeRaceAccount(t, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Player2 != nil || got.Player1Result != nil || got.Player2Result != nil || got.Winner != nil {
		t.Fatalf("optional fields should stay nil while waiting: %+v", got)
	}
	if got.Status != RaceStatusWaiting {
		t.Fatalf("status round trip: %v", got.Status)
	}
}

func TestParseRaceAccountRejectsGarbage(t *testing.T) {
	if _, err := ParseRaceAccount([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated payload")
	}

	bogus := make([]byte, 64)
	if _, err := ParseRaceAccount(bogus); err == nil {
		t.Fatal("expected error for wrong discriminator")
	}
}

func TestRaceStatusString(t *testing.T) {
	if RaceStatusWaiting.String() != "waiting" ||
		RaceStatusActive.String() != "active" ||
		RaceStatusSettled.String() != "settled" {
		t.Fatal("status names drifted")
	}
	if RaceStatus(9).String() != "unknown(9)" {
		t.Fatalf("unexpected name for out-of-range status: %s", RaceStatus(9))
	}
}

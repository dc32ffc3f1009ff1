package chain

import (
	"bytes"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var testProgramID = solana.MustPublicKeyFromBase58("5Qe7B4LEMjmfbWgt2ctKY8ZzesDobubBi79HwPABJFkQ")

func TestInstructionDiscriminators(t *testing.T) {
	cases := []struct {
		name string
		got  [8]byte
		want [8]byte
	}{
		{"create_race", createRaceDiscriminator, [8]byte{233, 107, 148, 159, 241, 155, 226, 54}},
		{"join_race", joinRaceDiscriminator, [8]byte{207, 91, 222, 84, 249, 246, 229, 54}},
		{"submit_result", submitResultDiscriminator, [8]byte{240, 42, 89, 180, 10, 239, 9, 214}},
		{"settle_race", settleRaceDiscriminator, [8]byte{172, 32, 72, 212, 155, 33, 161, 237}},
		{"claim_prize", claimPrizeDiscriminator, [8]byte{157, 233, 139, 121, 246, 62, 234, 235}},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s discriminator = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestNewCreateRaceInstruction(t *testing.T) {
	player := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	raceID := "race_0a1b2c3d4e5f60718293a4b5c6d"
	racePDA := MustDeriveRacePDA(testProgramID, raceID, mint, 5_000_000)

	ix, err := NewCreateRaceInstruction(testProgramID, racePDA, player, raceID, mint, 5_000_000)
	if err != nil {
		t.Fatalf("build instruction: %v", err)
	}
	if !ix.ProgramID().Equals(testProgramID) {
		t.Fatalf("unexpected program id: %s", ix.ProgramID())
	}

	accounts := ix.Accounts()
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}
	if !accounts[0].PublicKey.Equals(racePDA) || !accounts[0].IsWritable || accounts[0].IsSigner {
		t.Fatalf("unexpected race account meta: %+v", accounts[0])
	}
	if !accounts[1].PublicKey.Equals(player) || !accounts[1].IsWritable || !accounts[1].IsSigner {
		t.Fatalf("unexpected player account meta: %+v", accounts[1])
	}
	if !accounts[2].PublicKey.Equals(solana.SystemProgramID) || accounts[2].IsWritable || accounts[2].IsSigner {
		t.Fatalf("unexpected system program meta: %+v", accounts[2])
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("instruction data: %v", err)
	}
	if !bytes.Equal(data[:8], createRaceDiscriminator[:]) {
		t.Fatalf("unexpected discriminator prefix: %v", data[:8])
	}

	var args createRaceArgs
	if err := bin.NewBorshDecoder(data[8:]).Decode(&args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.RaceID != raceID {
		t.Fatalf("race id round trip: got %q, want %q", args.RaceID, raceID)
	}
	if !args.TokenMint.Equals(mint) {
		t.Fatalf("token mint round trip: got %s", args.TokenMint)
	}
	if args.EntryFeeSol != 5_000_000 {
		t.Fatalf("entry fee round trip: got %d", args.EntryFeeSol)
	}
}

func TestNewSubmitResultInstruction(t *testing.T) {
	race := solana.NewWallet().PublicKey()
	player := solana.NewWallet().PublicKey()
	var inputHash [32]byte
	for i := range inputHash {
		inputHash[i] = byte(i)
	}

	ix, err := NewSubmitResultInstruction(testProgramID, race, player, 73_450, 18, inputHash)
	if err != nil {
		t.Fatalf("build instruction: %v", err)
	}

	accounts := ix.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if !accounts[0].PublicKey.Equals(race) || !accounts[0].IsWritable || accounts[0].IsSigner {
		t.Fatalf("unexpected race account meta: %+v", accounts[0])
	}
	if !accounts[1].PublicKey.Equals(player) || accounts[1].IsWritable || !accounts[1].IsSigner {
		t.Fatalf("unexpected player account meta: %+v", accounts[1])
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("instruction data: %v", err)
	}
	// discriminator + u64 + u64 + [32]u8
	if len(data) != 8+8+8+32 {
		t.Fatalf("unexpected data length %d", len(data))
	}

	var args submitResultArgs
	if err := bin.NewBorshDecoder(data[8:]).Decode(&args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.FinishTimeMs != 73_450 || args.CoinsCollected != 18 || args.InputHash != inputHash {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestArgumentlessInstructions(t *testing.T) {
	race := solana.NewWallet().PublicKey()
	player := solana.NewWallet().PublicKey()

	join := NewJoinRaceInstruction(testProgramID, race, player)
	data, err := join.Data()
	if err != nil {
		t.Fatalf("join data: %v", err)
	}
	if !bytes.Equal(data, joinRaceDiscriminator[:]) {
		t.Fatalf("join_race data should be the bare discriminator, got %v", data)
	}
	joinAccounts := join.Accounts()
	if len(joinAccounts) != 3 || !joinAccounts[1].IsSigner || !joinAccounts[1].IsWritable {
		t.Fatalf("unexpected join_race accounts: %+v", joinAccounts)
	}

	settle := NewSettleRaceInstruction(testProgramID, race)
	data, err = settle.Data()
	if err != nil {
		t.Fatalf("settle data: %v", err)
	}
	if !bytes.Equal(data, settleRaceDiscriminator[:]) {
		t.Fatalf("settle_race data should be the bare discriminator, got %v", data)
	}
	settleAccounts := settle.Accounts()
	if len(settleAccounts) != 1 || !settleAccounts[0].IsWritable || settleAccounts[0].IsSigner {
		t.Fatalf("unexpected settle_race accounts: %+v", settleAccounts)
	}

	claim := NewClaimPrizeInstruction(testProgramID, race, player)
	data, err = claim.Data()
	if err != nil {
		t.Fatalf("claim data: %v", err)
	}
	if !bytes.Equal(data, claimPrizeDiscriminator[:]) {
		t.Fatalf("claim_prize data should be the bare discriminator, got %v", data)
	}
	claimAccounts := claim.Accounts()
	if len(claimAccounts) != 2 || !claimAccounts[1].IsSigner || !claimAccounts[1].IsWritable {
		t.Fatalf("unexpected claim_prize accounts: %+v", claimAccounts)
	}
}

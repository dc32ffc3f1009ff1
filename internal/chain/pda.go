package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DeriveRacePDA returns the race escrow account address. The program seeds
// every race with its identifier, the wagered mint, and the entry fee in
// lamports, so two races never collide on the same account.
func DeriveRacePDA(raceProgramID solana.PublicKey, raceID string, tokenMint solana.PublicKey, entryFeeLamports uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte("race"),
		[]byte(raceID),
		tokenMint.Bytes(),
		u64LE(entryFeeLamports),
	}, raceProgramID)
}

func MustDeriveRacePDA(raceProgramID solana.PublicKey, raceID string, tokenMint solana.PublicKey, entryFeeLamports uint64) solana.PublicKey {
	pk, _, err := DeriveRacePDA(raceProgramID, raceID, tokenMint, entryFeeLamports)
	if err != nil {
		panic(fmt.Errorf("derive race PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}

package chain

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	createRaceDiscriminator   = anchorInstructionDiscriminator("create_race")
	joinRaceDiscriminator     = anchorInstructionDiscriminator("join_race")
	submitResultDiscriminator = anchorInstructionDiscriminator("submit_result")
	settleRaceDiscriminator   = anchorInstructionDiscriminator("settle_race")
	claimPrizeDiscriminator   = anchorInstructionDiscriminator("claim_prize")
)

type createRaceArgs struct {
	RaceID      string
	TokenMint   solana.PublicKey
	EntryFeeSol uint64
}

type submitResultArgs struct {
	FinishTimeMs   uint64
	CoinsCollected uint64
	InputHash      [32]uint8
}

// NewCreateRaceInstruction opens a race escrow funded by player1. The
// entry fee travels as lamports regardless of the wagered mint.
func NewCreateRaceInstruction(
	programID solana.PublicKey,
	race solana.PublicKey,
	player1 solana.PublicKey,
	raceID string,
	tokenMint solana.PublicKey,
	entryFeeLamports uint64,
) (solana.Instruction, error) {
	data := new(bytes.Buffer)
	data.Write(createRaceDiscriminator[:])
	err := bin.NewBorshEncoder(data).Encode(createRaceArgs{
		RaceID:      raceID,
		TokenMint:   tokenMint,
		EntryFeeSol: entryFeeLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("encode create_race args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(race, true, false),
		solana.NewAccountMeta(player1, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data.Bytes()), nil
}

// NewJoinRaceInstruction matches player2 into a waiting race and moves
// their stake into the escrow.
func NewJoinRaceInstruction(programID, race, player2 solana.PublicKey) solana.Instruction {
	data := make([]byte, len(joinRaceDiscriminator))
	copy(data, joinRaceDiscriminator[:])

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(race, true, false),
		solana.NewAccountMeta(player2, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, data)
}

func NewSubmitResultInstruction(
	programID solana.PublicKey,
	race solana.PublicKey,
	player solana.PublicKey,
	finishTimeMs uint64,
	coinsCollected uint64,
	inputHash [32]byte,
) (solana.Instruction, error) {
	data := new(bytes.Buffer)
	data.Write(submitResultDiscriminator[:])
	err := bin.NewBorshEncoder(data).Encode(submitResultArgs{
		FinishTimeMs:   finishTimeMs,
		CoinsCollected: coinsCollected,
		InputHash:      inputHash,
	})
	if err != nil {
		return nil, fmt.Errorf("encode submit_result args: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(race, true, false),
		solana.NewAccountMeta(player, false, true),
	}
	return solana.NewInstruction(programID, accounts, data.Bytes()), nil
}

// NewSettleRaceInstruction is permissionless: any fee payer may crank a
// race with both results on file into the settled state.
func NewSettleRaceInstruction(programID, race solana.PublicKey) solana.Instruction {
	data := make([]byte, len(settleRaceDiscriminator))
	copy(data, settleRaceDiscriminator[:])

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(race, true, false),
	}
	return solana.NewInstruction(programID, accounts, data)
}

func NewClaimPrizeInstruction(programID, race, winner solana.PublicKey) solana.Instruction {
	data := make([]byte, len(claimPrizeDiscriminator))
	copy(data, claimPrizeDiscriminator[:])

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(race, true, false),
		solana.NewAccountMeta(winner, true, true),
	}
	return solana.NewInstruction(programID, accounts, data)
}

// Anchor derives 8-byte discriminators from the sha256 of a namespaced name.
func anchorDiscriminator(namespace, name string) [8]byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	return [8]byte(sum[:8])
}

func anchorInstructionDiscriminator(name string) [8]byte {
	return anchorDiscriminator("global", name)
}

func anchorAccountDiscriminator(name string) [8]byte {
	return anchorDiscriminator("account", name)
}

package chain

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type RaceStatus uint8

const (
	RaceStatusWaiting RaceStatus = iota
	RaceStatusActive
	RaceStatusSettled
)

func (s RaceStatus) String() string {
	switch s {
	case RaceStatusWaiting:
		return "waiting"
	case RaceStatusActive:
		return "active"
	case RaceStatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type RaceResult struct {
	FinishTimeMs   uint64
	CoinsCollected uint64
	InputHash      [32]uint8
}

// RaceAccount mirrors the on-chain race state, borsh-encoded behind the
// usual 8-byte account discriminator. EntryFeeSol carries lamports.
type RaceAccount struct {
	RaceID        string
	TokenMint     solana.PublicKey
	EntryFeeSol   uint64
	Player1       solana.PublicKey
	Player2       *solana.PublicKey `bin:"optional"`
	Status        RaceStatus
	Player1Result *RaceResult       `bin:"optional"`
	Player2Result *RaceResult       `bin:"optional"`
	Winner        *solana.PublicKey `bin:"optional"`
	EscrowAmount  uint64
	CreatedAt     int64
	Bump          uint8
}

var raceAccountDiscriminator = anchorAccountDiscriminator("Race")

func ParseRaceAccount(data []byte) (*RaceAccount, error) {
	if len(data) < len(raceAccountDiscriminator) {
		return nil, fmt.Errorf("race account payload too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], raceAccountDiscriminator[:]) {
		return nil, fmt.Errorf("race account discriminator mismatch")
	}

	account := new(RaceAccount)
	if err := bin.NewBorshDecoder(data[8:]).Decode(account); err != nil {
		return nil, fmt.Errorf("decode race account: %w", err)
	}
	return account, nil
}

package race

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// maxSeedLen is the chain-side cap on a single PDA seed. RaceIDFor must stay
// at or under it because the race id is used verbatim as a seed.
const maxSeedLen = 32

// RaceIDFor derives the deterministic race identifier for a matchmaking
// bucket. Two players requesting the same (mint, fee) within the same epoch
// land on the same id only through the matchmaker's pool scan, never through
// this function alone, because the creator's wallet is part of the digest.
//
// The result is "race_" plus 27 hex characters: exactly 32 bytes.
func RaceIDFor(tokenMint string, entryFeeLamports uint64, player1Wallet string) string {
	seed := fmt.Sprintf("%s_%d_%s", tokenMint, entryFeeLamports, player1Wallet)
	digest := sha256.Sum256([]byte(seed))
	id := "race_" + hex.EncodeToString(digest[:])[:maxSeedLen-len("race_")]
	return id
}

// TrackSeedFor maps a race id onto a stable track seed in [0, 1_000_000).
// Both clients must render the identical track, so the seed cannot depend on
// anything process-local.
func TrackSeedFor(raceID string) int64 {
	digest := sha256.Sum256([]byte(raceID))
	return int64(binary.BigEndian.Uint64(digest[:8]) % 1_000_000)
}

// joinCodeAlphabet drops 0/O and 1/I so codes survive being read aloud.
// 32 characters divides 256 evenly, so indexing by byte has no modulo bias.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const joinCodeLength = 6

// NewJoinCode returns a random 6-character lobby code.
func NewJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

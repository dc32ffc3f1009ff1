package race

import "math"

// Status is the lifecycle state of a race row.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusSettled   Status = "settled"
	StatusCancelled Status = "cancelled"
)

// PayoutStatus tracks how far prize delivery has progressed.
type PayoutStatus string

const (
	PayoutPending     PayoutStatus = "pending"
	PayoutSwapping    PayoutStatus = "swapping"
	PayoutPaid        PayoutStatus = "paid"
	PayoutFallbackSOL PayoutStatus = "fallback_sol"
	PayoutFailed      PayoutStatus = "failed"
)

// Delivery methods a payout can take. These name the transaction the winner
// signs, not a persisted state: the direct on-chain claim, a Jupiter swap
// into the wager token, or the SOL fallback after a failed swap.
const (
	PayoutMethodClaimPrize  = "claim_prize"
	PayoutMethodJupiterSwap = "jupiter_swap"
	PayoutMethodFallbackSOL = "fallback_sol"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// NativeMint is the wrapped-SOL mint address. Payouts for races wagered in
// SOL skip the swap leg entirely.
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsFromSOL converts a decimal SOL amount to lamports, rounding to the
// nearest lamport so float noise in request payloads cannot shift the fee.
func LamportsFromSOL(sol float64) uint64 {
	return uint64(math.Round(sol * LamportsPerSOL))
}

// SOLFromLamports converts lamports back to a decimal SOL amount.
func SOLFromLamports(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// IsNativeMint reports whether mint is the wrapped-SOL mint.
func IsNativeMint(mint string) bool {
	return mint == NativeMint
}

// Race is one wagering race between two players. RaceID doubles as the
// on-chain PDA seed, so it is capped at 32 bytes by construction.
type Race struct {
	ID               string
	RaceID           string
	TokenMint        string
	TokenSymbol      string
	EntryFeeLamports uint64
	IsPrivate        bool
	JoinCode         string
	Player1Wallet    string
	Player2Wallet    string
	Player1Ready     bool
	Player2Ready     bool
	Status           Status
	TrackSeed        int64
	WinnerWallet     string
	TxSignature      string
	CreatedAt        int64
	StartedAt        int64
	SettledAt        int64
	ExpiresAt        int64
}

// PlayerNumber returns 1 or 2 for a wallet that is part of the race, 0
// otherwise.
func (r *Race) PlayerNumber(wallet string) int {
	switch wallet {
	case "":
		return 0
	case r.Player1Wallet:
		return 1
	case r.Player2Wallet:
		return 2
	}
	return 0
}

// EntryFeeSOL returns the entry fee as a decimal SOL amount for API payloads.
func (r *Race) EntryFeeSOL() float64 {
	return SOLFromLamports(r.EntryFeeLamports)
}

// PrizeLamports is the escrowed pot: both entry fees.
func (r *Race) PrizeLamports() uint64 {
	return 2 * r.EntryFeeLamports
}

// Result is one player's submitted run for a race.
type Result struct {
	ID             int64
	RaceID         string
	Wallet         string
	PlayerNumber   int
	FinishTimeMs   int64
	CoinsCollected int64
	InputHash      string
	InputTrace     string
	Verified       bool
	ToleranceMs    int64
	VerifiedAt     int64
	SubmittedAt    int64
}

// Payout is the prize-delivery record for a settled race. Exactly one exists
// per race. TokenAmount and FallbackSolAmount are nil until the corresponding
// leg has run.
type Payout struct {
	ID                  int64
	RaceID              string
	WinnerWallet        string
	WinnerResultID      int64
	PrizeLamports       uint64
	TokenMint           string
	TokenAmount         *float64
	SwapTxSignature     string
	SwapStatus          PayoutStatus
	TransferTxSignature string
	FallbackSolAmount   *float64
	FallbackTxSignature string
	ErrorMessage        string
	CreatedAt           int64
	SwapStartedAt       int64
	CompletedAt         int64
}

// PrizeSOL returns the pot as a decimal SOL amount.
func (p *Payout) PrizeSOL() float64 {
	return SOLFromLamports(p.PrizeLamports)
}

// Token is a registry entry for a mint the platform accepts wagers in.
type Token struct {
	MintAddress string
	Symbol      string
	Name        string
	Decimals    int
	LogoURL     string
	CreatedAt   int64
	UpdatedAt   int64
}

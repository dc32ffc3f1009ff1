package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/velorace/backend/internal/config"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoSigner        = errors.New("no settlement keypair configured")
)

// Gateway wraps the RPC node behind the few calls the backend needs:
// blockhash fetch, transaction build/submit/confirm, and race account
// reads. A settlement keypair is optional; without one the gateway can
// still build unsigned transactions for wallet-side signing.
type Gateway struct {
	cfg    config.ChainConfig
	rpc    *rpc.Client
	signer *solana.PrivateKey
	logger *slog.Logger
}

func NewGateway(cfg config.ChainConfig, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		logger: logger,
	}
	if cfg.SettlementKeypairPath != "" {
		signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.SettlementKeypairPath)
		if err != nil {
			return nil, fmt.Errorf("load keypair %q: %w", cfg.SettlementKeypairPath, err)
		}
		gw.signer = &signer
	}
	return gw, nil
}

func (g *Gateway) RaceProgramID() solana.PublicKey { return g.cfg.RaceProgramID }

func (g *Gateway) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := g.rpc.GetLatestBlockhash(ctx, g.cfg.Commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return recent.Value.Blockhash, nil
}

func (g *Gateway) HasSettlementSigner() bool { return g.signer != nil }

func (g *Gateway) SettlementSigner() solana.PublicKey {
	if g.signer == nil {
		return solana.PublicKey{}
	}
	return g.signer.PublicKey()
}

// UnsignedTransaction is a serialized transaction with placeholder
// signatures, ready for the fee payer's wallet to sign and return.
type UnsignedTransaction struct {
	Base64    string
	Blockhash solana.Hash
	FeePayer  solana.PublicKey
}

func (g *Gateway) BuildUnsignedTransaction(ctx context.Context, feePayer solana.PublicKey, instructions ...solana.Instruction) (*UnsignedTransaction, error) {
	withBudget, err := g.withComputeBudget(instructions)
	if err != nil {
		return nil, err
	}

	blockhash, err := g.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(
		withBudget,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	// Wallet adapters expect one zeroed signature slot per required signer.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	return &UnsignedTransaction{
		Base64:    base64.StdEncoding.EncodeToString(raw),
		Blockhash: blockhash,
		FeePayer:  feePayer,
	}, nil
}

func DecodeSignedTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("deserialize transaction: %w", err)
	}
	return tx, nil
}

// SubmitTransaction pushes a fully signed transaction at the RPC node,
// retrying transient send failures up to the configured attempt budget.
func (g *Gateway) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       g.cfg.SkipPreflight,
		PreflightCommitment: g.cfg.Commitment,
	}
	if g.cfg.MaxRetries != nil {
		retries := *g.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	attempts := g.cfg.SubmitMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sig, err := g.rpc.SendTransactionWithOpts(ctx, tx, opts)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if attempt < attempts {
			g.logger.Warn("transaction submit failed", "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return solana.Signature{}, ctx.Err()
			case <-time.After(g.cfg.SubmitRetryDelay):
			}
		}
	}
	return solana.Signature{}, fmt.Errorf("send transaction after %d attempts: %w", attempts, lastErr)
}

// ConfirmTransaction polls signature status until the transaction is
// confirmed or the configured timeout lapses. Timing out means the
// transaction is still pending, not failed, so it reports (false, nil);
// an on-chain execution error reports a non-nil error.
func (g *Gateway) ConfirmTransaction(ctx context.Context, sig solana.Signature) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-ticker.C:
			result, err := g.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return false, fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return true, nil
			}
		}
	}
}

// SignAndSubmit builds, signs, submits, and confirms a transaction paid
// for by the settlement keypair. An unconfirmed-after-timeout submission
// is reported as pending (confirmed=false) with the signature intact.
func (g *Gateway) SignAndSubmit(ctx context.Context, instructions ...solana.Instruction) (solana.Signature, bool, error) {
	if g.signer == nil {
		return solana.Signature{}, false, ErrNoSigner
	}

	withBudget, err := g.withComputeBudget(instructions)
	if err != nil {
		return solana.Signature{}, false, err
	}

	blockhash, err := g.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, false, err
	}

	tx, err := solana.NewTransaction(
		withBudget,
		blockhash,
		solana.TransactionPayer(g.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, false, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if g.signer.PublicKey().Equals(key) {
			return g.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, false, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := g.SubmitTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, false, err
	}
	confirmed, err := g.ConfirmTransaction(ctx, sig)
	if err != nil {
		return sig, false, fmt.Errorf("confirm %s: %w", sig, err)
	}
	return sig, confirmed, nil
}

// SettleRaceOnChain drives the permissionless settle instruction with the
// settlement keypair as fee payer. Deployments without a keypair get
// ErrNoSigner and rely on the explicit settle endpoint instead.
func (g *Gateway) SettleRaceOnChain(ctx context.Context, raceID, tokenMint string, entryFeeLamports uint64) (string, bool, error) {
	if g.signer == nil {
		return "", false, ErrNoSigner
	}

	mint, err := solana.PublicKeyFromBase58(tokenMint)
	if err != nil {
		return "", false, fmt.Errorf("parse token mint: %w", err)
	}
	racePDA, _, err := DeriveRacePDA(g.cfg.RaceProgramID, raceID, mint, entryFeeLamports)
	if err != nil {
		return "", false, fmt.Errorf("derive race address: %w", err)
	}

	sig, confirmed, err := g.SignAndSubmit(ctx, NewSettleRaceInstruction(g.cfg.RaceProgramID, racePDA))
	if err != nil {
		return "", false, err
	}
	return sig.String(), confirmed, nil
}

func (g *Gateway) FetchRaceAccount(ctx context.Context, racePDA solana.PublicKey) (*RaceAccount, error) {
	resp, err := g.rpc.GetAccountInfoWithOpts(ctx, racePDA, &rpc.GetAccountInfoOpts{Commitment: g.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, fmt.Errorf("race account %s: %w", racePDA, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("fetch race account %s: %w", racePDA, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("race account %s: %w", racePDA, ErrAccountNotFound)
	}

	account, err := ParseRaceAccount(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode race account %s: %w", racePDA, err)
	}
	return account, nil
}

func (g *Gateway) withComputeBudget(instructions []solana.Instruction) ([]solana.Instruction, error) {
	prefixed := make([]solana.Instruction, 0, len(instructions)+2)
	if g.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(g.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		prefixed = append(prefixed, cuLimitIx)
	}
	if g.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(g.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		prefixed = append(prefixed, cuPriceIx)
	}
	return append(prefixed, instructions...), nil
}

package race_test

import (
	"context"
	"errors"
	"testing"

	"github.com/velorace/backend/internal/race"
)

func TestTokenRegistry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tokens, err := svc.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected seeded defaults, got %+v", tokens)
	}
	for i, symbol := range []string{"BONK", "META", "SOL"} {
		if tokens[i].Symbol != symbol {
			t.Fatalf("registry not sorted by symbol: %+v", tokens)
		}
	}

	sol, err := svc.TokenByMint(ctx, race.NativeMint)
	if err != nil {
		t.Fatalf("token by mint: %v", err)
	}
	if sol.Symbol != "SOL" || sol.Decimals != 9 {
		t.Fatalf("SOL entry wrong: %+v", sol)
	}

	if _, err := svc.TokenByMint(ctx, newWallet(t)); !errors.Is(err, race.ErrNotFound) {
		t.Fatalf("unknown mint should be not found, got %v", err)
	}
	if symbol := svc.ResolveTokenSymbol(ctx, newWallet(t)); symbol != "UNKNOWN" {
		t.Fatalf("unknown mint resolved to %q", symbol)
	}
}

func TestUpsertToken(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	mint := newWallet(t)

	if err := store.UpsertToken(ctx, &race.Token{
		MintAddress: mint,
		Symbol:      "WIF",
		Name:        "dogwifhat",
		Decimals:    6,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tokens, err := svc.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected registered token in the list, got %+v", tokens)
	}
	if symbol := svc.ResolveTokenSymbol(ctx, mint); symbol != "WIF" {
		t.Fatalf("resolved %q", symbol)
	}

	// Same mint again updates in place instead of duplicating.
	if err := store.UpsertToken(ctx, &race.Token{
		MintAddress: mint,
		Symbol:      "WIF2",
		Name:        "dogwifhat",
		Decimals:    6,
		LogoURL:     "https://example.com/wif.png",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	updated, err := svc.TokenByMint(ctx, mint)
	if err != nil {
		t.Fatalf("token by mint: %v", err)
	}
	if updated.Symbol != "WIF2" || updated.LogoURL == "" {
		t.Fatalf("upsert did not update: %+v", updated)
	}

	tokens, err = svc.Tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("upsert duplicated the row: %+v", tokens)
	}
}

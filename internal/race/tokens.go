package race

import (
	"context"
	"fmt"
)

// unknownSymbol is returned when a mint is not in the registry.
const unknownSymbol = "UNKNOWN"

// Tokens lists the wager token registry.
func (s *Service) Tokens(ctx context.Context) ([]Token, error) {
	return s.store.ListTokens(ctx)
}

// TokenByMint looks up one registry entry.
func (s *Service) TokenByMint(ctx context.Context, mintAddress string) (*Token, error) {
	token, err := s.store.GetToken(ctx, mintAddress)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("token %s: %w", mintAddress, ErrNotFound)
	}
	return token, nil
}

// ResolveTokenSymbol maps a mint to its display symbol, "UNKNOWN" when the
// registry has no entry.
func (s *Service) ResolveTokenSymbol(ctx context.Context, mintAddress string) string {
	token, err := s.store.GetToken(ctx, mintAddress)
	if err != nil {
		s.logger.Warn("token lookup failed", "mint", mintAddress, "error", err)
		return unknownSymbol
	}
	if token == nil {
		return unknownSymbol
	}
	return token.Symbol
}

// TrackFor builds the track for a token. A nil seed draws a random one, a
// pinned seed reproduces the exact course (both race clients pass the race's
// track_seed).
func (s *Service) TrackFor(ctx context.Context, tokenMint string, seed *int64) *Track {
	trackSeed := RandomTrackSeed()
	if seed != nil {
		trackSeed = *seed
	}
	samples := GenerateTrackSamples(trackSeed)
	return &Track{
		TokenMint:   tokenMint,
		TokenSymbol: s.ResolveTokenSymbol(ctx, tokenMint),
		Seed:        trackSeed,
		Samples:     samples,
		PointCount:  len(samples),
	}
}

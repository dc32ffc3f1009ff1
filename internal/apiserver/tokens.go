package apiserver

import (
	"net/http"
	"strings"

	"github.com/velorace/backend/internal/race"
)

type tokenResponse struct {
	MintAddress string  `json:"mint_address"`
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Decimals    int     `json:"decimals"`
	LogoURL     *string `json:"logo_url"`
}

type tokensListResponse struct {
	Items []tokenResponse `json:"items"`
}

func tokenView(t *race.Token) tokenResponse {
	return tokenResponse{
		MintAddress: t.MintAddress,
		Symbol:      t.Symbol,
		Name:        t.Name,
		Decimals:    t.Decimals,
		LogoURL:     nullableString(t.LogoURL),
	}
}

func (s *Service) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	tokens, err := s.races.Tokens(r.Context())
	if err != nil {
		s.respondDomainError(w, err, "failed to list tokens")
		return
	}

	items := make([]tokenResponse, 0, len(tokens))
	for i := range tokens {
		items = append(items, tokenView(&tokens[i]))
	}
	s.respondJSON(w, http.StatusOK, tokensListResponse{Items: items})
}

func (s *Service) handleTokenByMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	mint := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tokens/"), "/")
	if mint == "" {
		s.respondError(w, http.StatusNotFound, "mint address is required")
		return
	}

	token, err := s.races.TokenByMint(r.Context(), mint)
	if err != nil {
		s.respondDomainError(w, err, "failed to read token")
		return
	}
	s.respondJSON(w, http.StatusOK, tokenView(token))
}

func (s *Service) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	tokenMint := queryParam(r, "token_mint")
	if tokenMint == "" {
		s.respondError(w, http.StatusBadRequest, "token_mint is required")
		return
	}
	seed, err := parseOptionalInt64(r, "seed")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	track := s.races.TrackFor(r.Context(), tokenMint, seed)
	s.respondJSON(w, http.StatusOK, track)
}

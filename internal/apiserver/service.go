// Package apiserver serves the public HTTP and WebSocket surface: the race
// lobby, result submission, payouts, transaction building, and the token
// registry.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/velorace/backend/internal/chain"
	"github.com/velorace/backend/internal/config"
	"github.com/velorace/backend/internal/payout"
	"github.com/velorace/backend/internal/race"
	"github.com/velorace/backend/internal/swap"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *race.Store
	races            *race.Service
	payouts          *payout.Service
	gateway          *chain.Gateway
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := race.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	gateway, err := chain.NewGateway(cfg.Chain, logger)
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("close store", "err", closeErr)
		}
		return nil, fmt.Errorf("init chain gateway: %w", err)
	}
	swapper := swap.NewClient(cfg.Swap, logger)

	// The race service drives fire-and-forget on-chain settles only when a
	// settlement keypair is configured; otherwise callers use the explicit
	// settle endpoint.
	var settler race.Settler
	if gateway.HasSettlementSigner() {
		settler = gateway
	}

	allowedOriginSet, allowAllOrigins := parseOrigins(cfg.AllowedOrigins)

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		races:            race.NewService(store, settler, cfg.Lifecycle, logger),
		payouts:          payout.NewService(store, gateway, swapper, logger),
		gateway:          gateway,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

// parseOrigins splits the configured CORS origins into an exact-match set,
// reporting whether every origin is allowed. A wildcard entry or an empty
// allowlist both leave the server open.
func parseOrigins(origins []string) (map[string]struct{}, bool) {
	wildcard := false
	set := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		switch origin = strings.TrimSpace(origin); origin {
		case "":
		case "*":
			wildcard = true
		default:
			set[origin] = struct{}{}
		}
	}
	return set, wildcard || len(set) == 0
}

// routes builds the endpoint mux wrapped in the shared middleware chain.
func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/races/create-or-join", s.handleCreateOrJoinRace)
	mux.HandleFunc("/api/races/create", s.handleCreateRace)
	mux.HandleFunc("/api/races/join-by-code", s.handleJoinRaceByCode)
	mux.HandleFunc("/api/races/public", s.handleListPublicRaces)
	mux.HandleFunc("/api/races/", s.handleRaceSubroutes)
	mux.HandleFunc("/api/payouts/", s.handlePayoutSubroutes)
	mux.HandleFunc("/api/transactions/build", s.handleBuildTransaction)
	mux.HandleFunc("/api/transactions/submit", s.handleSubmitTransaction)
	mux.HandleFunc("/api/tokens", s.handleListTokens)
	mux.HandleFunc("/api/tokens/", s.handleTokenByMint)
	mux.HandleFunc("/api/track", s.handleTrack)
	mux.HandleFunc("/ws", s.handleWebsocket)

	return s.withCORS(s.withRequestID(mux))
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"rpc", s.cfg.Chain.RPCURL,
		"settlement_signer", s.gateway.HasSettlementSigner(),
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("api-server stopping")
	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown api-server: %w", err)
	}
	return <-errCh
}

type healthResponse struct {
	OK bool `json:"ok"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

// withRequestID tags every request so a single race can be traced across
// the matchmaker, settlement, and payout log lines it touches.
func (s *Service) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && s.isOriginAllowed(origin) {
			header := w.Header()
			if s.allowAllOrigins {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
				header.Add("Vary", "Origin")
			}
			header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			header.Set("Access-Control-Max-Age", "300")
		}

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

// respondDomainError maps the domain sentinels onto HTTP statuses. Anything
// unexpected is logged and hidden behind the fallback message.
func (s *Service) respondDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, race.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, race.ErrInvalidState):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, race.ErrConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payout.ErrNotSettledOnChain):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, race.ErrDependencyUnavailable):
		s.respondError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error(fallback, "err", err)
		s.respondError(w, http.StatusInternalServerError, fallback)
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

const maxRequestBody = 1 << 20

// decodeJSONBody reads a single JSON value of at most maxRequestBody bytes,
// rejecting unknown fields and trailing input.
func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// splitRaceSubroute turns "/api/races/<race_id>[/<action>]" into its parts.
func splitRaceSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/races/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	raceID := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return raceID, ""
	}
	return raceID, strings.Join(segments[1:], "/")
}

// splitPayoutSubroute turns "/api/payouts/<race_id>[/<action>]" into its parts.
func splitPayoutSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/payouts/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	raceID := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return raceID, ""
	}
	return raceID, strings.Join(segments[1:], "/")
}

// queryParam returns the trimmed value of a query-string key.
func queryParam(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := queryParam(r, key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseOptionalInt64(r *http.Request, key string) (*int64, error) {
	raw := queryParam(r, key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &n, nil
}

func parseOptionalFloat(r *http.Request, key string) (*float64, error) {
	raw := queryParam(r, key)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &f, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

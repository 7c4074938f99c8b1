// Package server is the HTTP surface of the selfclaw platform. Every write
// endpoint carries the signed envelope in its body and passes through the
// codec and authenticator before any business logic runs.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/selfclaw/selfclaw/internal/auth"
	"github.com/selfclaw/selfclaw/internal/chain"
	"github.com/selfclaw/selfclaw/internal/config"
	"github.com/selfclaw/selfclaw/internal/escrow"
	"github.com/selfclaw/selfclaw/internal/events"
	"github.com/selfclaw/selfclaw/internal/keycodec"
	"github.com/selfclaw/selfclaw/internal/ratelimit"
	"github.com/selfclaw/selfclaw/internal/storage"
	"github.com/selfclaw/selfclaw/internal/verify"
)

// Server is the main HTTP server for the selfclaw API.
type Server struct {
	db       *storage.DB
	cfg      *config.Config
	auth     *auth.Authenticator
	verifier *verify.Manager
	chain    *chain.Coordinator
	escrow   *escrow.Engine
	hub      *events.Hub
	limiter  *ratelimit.Keyed
	mux      *http.ServeMux
}

// New creates a Server with all routes registered.
func New(db *storage.DB, cfg *config.Config, verifier *verify.Manager, coordinator *chain.Coordinator, engine *escrow.Engine, hub *events.Hub) *Server {
	s := &Server{
		db:       db,
		cfg:      cfg,
		auth:     auth.New(nonceStore{db}),
		verifier: verifier,
		chain:    coordinator,
		escrow:   engine,
		hub:      hub,
		limiter:  ratelimit.NewKeyed(cfg.RequestsPerMinute, rateWindow),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Verification
	s.mux.HandleFunc("POST /api/verification/start", s.handleStartVerification)
	s.mux.HandleFunc("POST /api/verification/{id}/sign-challenge", s.handleSignChallenge)
	s.mux.HandleFunc("GET /api/verification/{id}", s.handleVerificationStatus)
	s.mux.HandleFunc("POST /api/verification/callback", s.handleProofCallback)

	// Wallets
	s.mux.HandleFunc("POST /api/wallet", s.handleCreateWallet)
	s.mux.HandleFunc("POST /api/wallet/switch", s.handleSwitchWallet)

	// Chain actions
	s.mux.HandleFunc("POST /api/chain/gas", s.issueHandler(chain.KindGas))
	s.mux.HandleFunc("POST /api/chain/deploy-token", s.issueHandler(chain.KindDeployToken))
	s.mux.HandleFunc("POST /api/chain/register-token", s.issueHandler(chain.KindRegisterToken))
	s.mux.HandleFunc("POST /api/chain/register-erc8004", s.issueHandler(chain.KindRegisterERC8004))
	s.mux.HandleFunc("POST /api/chain/sponsorship", s.issueHandler(chain.KindSponsorship))
	s.mux.HandleFunc("POST /api/chain/confirm", s.handleConfirmAction)
	s.mux.HandleFunc("GET /api/chain/actions", s.handleListActions)

	// Marketplace
	s.mux.HandleFunc("POST /api/skills", s.handleCreateSkill)
	s.mux.HandleFunc("GET /api/skills", s.handleListSkills)
	s.mux.HandleFunc("POST /api/skills/{id}/purchase", s.handlePurchase)
	s.mux.HandleFunc("POST /api/settlements/{id}/escrow", s.handleVerifyEscrow)
	s.mux.HandleFunc("POST /api/settlements/{id}/confirm-delivery", s.handleConfirmDelivery)
	s.mux.HandleFunc("POST /api/settlements/{id}/refund", s.handleRefund)
	s.mux.HandleFunc("GET /api/settlements/{id}", s.handleGetSettlement)

	// Events
	s.mux.HandleFunc("GET /ws/events", s.hub.Handler())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "selfclaw",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a domain error onto its HTTP status and writes it.
func fail(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// errorStatus maps the protocol error taxonomy onto HTTP codes: encoding
// and parameter errors are 400, authentication failures 401, forbidden
// actors 403, unknown entities 404, invalid transitions 409.
func errorStatus(err error) int {
	var encErr *keycodec.EncodingError
	switch {
	case errors.As(err, &encErr),
		errors.Is(err, chain.ErrBadParams),
		errors.Is(err, escrow.ErrBadAmount),
		errors.Is(err, verify.ErrProofInvalid),
		errors.Is(err, chain.ErrTxMismatch),
		errors.Is(err, escrow.ErrTransferMismatch):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrStaleRequest),
		errors.Is(err, auth.ErrReplayedNonce),
		errors.Is(err, verify.ErrChallengeMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, chain.ErrNotFound),
		errors.Is(err, chain.ErrTxNotFound),
		errors.Is(err, escrow.ErrTransferNotFound),
		errors.Is(err, verify.ErrNoMatchingSession):
		return http.StatusNotFound
	case errors.Is(err, chain.ErrStateConflict),
		errors.Is(err, chain.ErrPrecondition),
		errors.Is(err, escrow.ErrStateConflict),
		errors.Is(err, verify.ErrIdentityConflict),
		errors.Is(err, verify.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/account"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/events"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/logger"
)

/*
Server exposes the merkle account ledger over HTTP.

Account lifecycle:
  POST /accounts
    - Request: { account_id, authority, hash_function?, leaf_policy?, max_leaves? }
    - Creates an empty account (zero root, no leaves)
  POST /accounts/{id}/leaves
    - Request: { leaf: "0x.." } or { text: "..." }
    - Appends one leaf as the account authority, returns index and new root
    - Every committed insert is published as a leaf_inserted event

Reads:
  GET /accounts, /accounts/{id}, /accounts/{id}/root
  GET /accounts/{id}/proofs/{index}
    - Inclusion proof for one leaf against the current root

Verification:
  POST /accounts/{id}/verify, /accounts/{id}/verify/batch
    - Checks proofs against the stored root; a mismatch is valid=false, not an error

Instructions:
  POST /instructions
    - { kind, payload } envelope dispatched to the matching operation

Events:
  GET /accounts/{id}/events
    - Server-sent event stream of leaf_inserted events for one account

Authentication:
  - none: the X-Merkle-Authority header (or the request body) names the authority
  - hmac/jwks: Authorization: Bearer <jwt>, the token subject is the authority
*/

const (
	maxRequestBodyBytes = 1 << 20
	maxBatchItems       = 1024
	readHeaderTimeout   = 10 * time.Second
)

// Config holds HTTP server configuration
type Config struct {
	Port int

	// RateLimit is requests per second per client IP. Zero disables limiting.
	RateLimit float64
	RateBurst int

	Logger *zap.Logger // Optional logger, will create default if nil
}

// Server handles HTTP requests for the ledger
type Server struct {
	ledger     *account.Ledger
	bus        *events.EventBus
	verifier   auth.Verifier
	limiter    *ipRateLimiter
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates a new server instance. bus may be nil, in which case the
// event stream endpoint is not registered.
func NewServer(ledger *account.Ledger, bus *events.EventBus, verifier auth.Verifier, cfg Config) *Server {
	serverLogger := cfg.Logger
	if serverLogger == nil {
		serverLogger, _ = logger.NewLogger(&logger.LoggerConfig{Debug: false})
	}
	if verifier == nil {
		verifier = &auth.HeaderVerifier{}
	}

	s := &Server{
		ledger:   ledger,
		bus:      bus,
		verifier: verifier,
		logger:   serverLogger,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware, s.recoveryMiddleware)
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/accounts", s.handleInitialize).Methods(http.MethodPost)
	r.HandleFunc("/accounts", s.handleListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/root", s.handleGetRoot).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/leaves", s.handleInsertLeaf).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/proofs/{index}", s.handleGetProof).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/verify/batch", s.handleVerifyBatch).Methods(http.MethodPost)

	r.HandleFunc("/instructions", s.handleInstruction).Methods(http.MethodPost)

	if s.bus != nil {
		r.HandleFunc("/accounts/{id}/events", s.handleEvents).Methods(http.MethodGet)
	}
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "port", s.httpServer.Addr, "auth_mode", s.verifier.Mode())
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server. Event streams end when the
// event bus is closed, so close the bus first.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}

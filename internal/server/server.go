// Package server exposes the decision engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/server/handler"
	"github.com/alanyoungcy/meridian/internal/server/middleware"
	"github.com/alanyoungcy/meridian/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// APIKey guards operator routes. Empty disables them.
	APIKey string
	// RateLimit is the number of requests per client per minute. Zero
	// disables rate limiting.
	RateLimit int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Decisions *handler.DecisionHandler
	Oracles   *handler.OracleHandler
	Audit     *handler.AuditHandler
}

// Deps are the optional collaborators of the middleware chain.
type Deps struct {
	Limiter  domain.RateLimiter
	Verifier middleware.RequestVerifier
	Hub      *ws.Hub
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	admin := middleware.RequireAPIKey(cfg.APIKey)

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	d := h.Decisions
	mux.HandleFunc("GET /api/decisions", d.List)
	mux.HandleFunc("POST /api/decisions", d.Create)
	mux.HandleFunc("GET /api/decisions/{id}", d.Get)
	mux.HandleFunc("GET /api/decisions/{id}/events", d.Events)
	mux.HandleFunc("GET /api/decisions/{id}/welfare", d.Welfare)
	mux.HandleFunc("POST /api/decisions/{id}/proposals", d.AddProposal)
	mux.HandleFunc("POST /api/decisions/{id}/deposit", d.Deposit)
	mux.HandleFunc("POST /api/decisions/{id}/withdraw", d.Withdraw)
	for _, kind := range []domain.TradeKind{
		domain.TradeSplit, domain.TradeMerge, domain.TradeBuy, domain.TradeSell, domain.TradeSwap,
	} {
		mux.HandleFunc("POST /api/decisions/{id}/proposals/{pid}/"+string(kind), d.Trade(kind))
	}
	mux.HandleFunc("GET /api/decisions/{id}/proposals/{pid}/quote", d.Quote)
	mux.HandleFunc("GET /api/decisions/{id}/accounts/{address}", d.Account)
	mux.HandleFunc("GET /api/decisions/{id}/accounts/{address}/claimable", d.Claimable)
	mux.HandleFunc("POST /api/decisions/{id}/collapse", d.Collapse)
	mux.HandleFunc("POST /api/decisions/{id}/resolve", d.Resolve)
	mux.HandleFunc("POST /api/decisions/{id}/dispute", d.Dispute)
	mux.HandleFunc("POST /api/decisions/{id}/settle", d.Settle)
	mux.HandleFunc("POST /api/decisions/{id}/fees/claim", d.ClaimFees)

	if h.Oracles != nil {
		mux.Handle("POST /api/oracles/{address}/metric", admin(http.HandlerFunc(h.Oracles.SetMetric)))
	}
	if h.Audit != nil {
		mux.Handle("GET /api/audit", admin(http.HandlerFunc(h.Audit.List)))
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var chain http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(deps.Limiter, cfg.RateLimit, time.Minute, logger)(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.Identity(deps.Verifier, logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Package server is the headless HTTP + WebSocket API of the market service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/server/handler"
	"github.com/alanyoungcy/sbmarket/internal/server/middleware"
	"github.com/alanyoungcy/sbmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// TxRateLimit caps flow and transaction requests per client per
	// TxRateWindow. Zero disables limiting.
	TxRateLimit  int
	TxRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Market  *handler.MarketHandler
	Wallet  *handler.WalletHandler
	Trade   *handler.TradeHandler
	History *handler.HistoryHandler
}

// Server wraps the http.Server with its routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and builds the middleware chain. limiter
// may be nil, in which case transaction endpoints are not throttled.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	throttle := func(h http.HandlerFunc) http.Handler { return h }
	if limiter != nil && cfg.TxRateLimit > 0 {
		mw := middleware.RateLimit(limiter, "api:tx", cfg.TxRateLimit, cfg.TxRateWindow, logger)
		throttle = func(h http.HandlerFunc) http.Handler { return mw(h) }
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/market", handlers.Market.GetMarket)
	mux.HandleFunc("GET /api/balances", handlers.Market.GetBalances)
	mux.HandleFunc("GET /api/quote", handlers.Trade.Quote)

	mux.HandleFunc("GET /api/wallet", handlers.Wallet.GetSession)
	mux.HandleFunc("POST /api/wallet/connect", handlers.Wallet.Connect)
	mux.HandleFunc("POST /api/wallet/disconnect", handlers.Wallet.Disconnect)

	mux.Handle("POST /api/trade/buy", throttle(handlers.Trade.Buy))
	mux.Handle("POST /api/trade/claim", throttle(handlers.Trade.Claim))
	mux.HandleFunc("GET /api/trade/phase", handlers.Trade.GetPhase)

	mux.Handle("POST /api/txn/buy", throttle(handlers.Trade.BuildBuy))
	mux.Handle("POST /api/txn/claim", throttle(handlers.Trade.BuildClaim))
	mux.Handle("POST /api/txn/submit", throttle(handlers.Trade.SubmitSigned))

	mux.HandleFunc("GET /api/submissions", handlers.History.ListSubmissions)
	mux.HandleFunc("GET /api/submissions/{id}", handlers.History.GetSubmission)
	mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	mux.HandleFunc("GET /api/archives", handlers.History.ListArchives)
	mux.HandleFunc("GET /api/archives/file", handlers.History.GetArchive)
	mux.HandleFunc("POST /api/archives/run", handlers.History.RunArchive)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// WalletConnect approval holds the connect request open.
			WriteTimeout: 6 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

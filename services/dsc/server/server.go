package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dscengine/crypto"
	nativecommon "dscengine/native/common"
	"dscengine/native/dsc"
	"dscengine/native/pricefeed"
	"dscengine/services/dsc/middleware"
)

const (
	limitMutations = "mutations"
	limitQueries   = "queries"
	limitAdmin     = "admin"

	scopeAdmin = "admin"

	maxBodyBytes = 1 << 20
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress     string
	Auth              middleware.AuthConfig
	RateLimits        map[string]middleware.RateLimit
	CORS              middleware.CORSConfig
	Observability     middleware.ObservabilityConfig
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// TokenLedger is the token surface exposed to API callers.
type TokenLedger interface {
	BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender crypto.Address) (*big.Int, error)
	Approve(ctx context.Context, owner, spender crypto.Address, amount *big.Int) error
	TotalSupply(ctx context.Context) (*big.Int, error)
}

// PriceUpdater lets operators move a development price feed.
type PriceUpdater interface {
	SetDecimal(price string) (pricefeed.Round, error)
	Decimals() uint8
}

// Dependencies are the runtime objects the API serves.
type Dependencies struct {
	Engine *dsc.Engine
	// Tokens are keyed by upper-case symbol and include the DSC issuer.
	Tokens map[string]TokenLedger
	// Feeds are keyed by collateral asset ID.
	Feeds  map[string]PriceUpdater
	Pauses *nativecommon.Pauses
	Hub    *Hub
	// History is optional; the history route answers 501 without it.
	History EventHistory
}

// Server exposes the engine over HTTP.
type Server struct {
	cfg     Config
	engine  *dsc.Engine
	tokens  map[string]TokenLedger
	feeds   map[string]PriceUpdater
	pauses  *nativecommon.Pauses
	hub     *Hub
	history EventHistory
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
}

// New validates the dependencies and assembles the middleware stack.
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	tokens := make(map[string]TokenLedger, len(deps.Tokens))
	for symbol, ledger := range deps.Tokens {
		if ledger != nil {
			tokens[strings.ToUpper(strings.TrimSpace(symbol))] = ledger
		}
	}
	feeds := make(map[string]PriceUpdater, len(deps.Feeds))
	for asset, feed := range deps.Feeds {
		if feed != nil {
			feeds[strings.ToUpper(strings.TrimSpace(asset))] = feed
		}
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(0, logger)
	}
	return &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		tokens:  tokens,
		feeds:   feeds,
		pauses:  deps.Pauses,
		hub:     hub,
		history: deps.History,
		logger:  logger.With("component", "dsc-api"),
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs:     middleware.NewObservability(cfg.Observability, logger),
	}, nil
}

// Hub returns the websocket hub events should be emitted to.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, s.obs.Registry()}, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/params", s.route("params", limitQueries, s.handleParams))
		r.Method(http.MethodGet, "/markets", s.route("markets", limitQueries, s.handleMarkets))
		r.Method(http.MethodGet, "/markets/{asset}/usd-value", s.route("markets.usd_value", limitQueries, s.handleUsdValue))
		r.Method(http.MethodGet, "/markets/{asset}/token-amount", s.route("markets.token_amount", limitQueries, s.handleTokenAmount))
		r.Method(http.MethodGet, "/health-factor", s.route("health_factor.calculate", limitQueries, s.handleCalculateHealthFactor))
		r.Method(http.MethodGet, "/accounts/{address}", s.route("accounts.get", limitQueries, s.handleAccount))
		r.Method(http.MethodGet, "/accounts/{address}/collateral/{asset}", s.route("accounts.collateral", limitQueries, s.handleCollateralBalance))
		r.Method(http.MethodGet, "/solvency", s.route("solvency", limitQueries, s.handleSolvency))

		r.Method(http.MethodPost, "/collateral/deposit", s.route("collateral.deposit", limitMutations, s.handleDeposit))
		r.Method(http.MethodPost, "/collateral/redeem", s.route("collateral.redeem", limitMutations, s.handleRedeem))
		r.Method(http.MethodPost, "/dsc/mint", s.route("dsc.mint", limitMutations, s.handleMint))
		r.Method(http.MethodPost, "/dsc/burn", s.route("dsc.burn", limitMutations, s.handleBurn))
		r.Method(http.MethodPost, "/positions/deposit-and-mint", s.route("positions.deposit_and_mint", limitMutations, s.handleDepositAndMint))
		r.Method(http.MethodPost, "/positions/redeem-for-dsc", s.route("positions.redeem_for_dsc", limitMutations, s.handleRedeemForDsc))
		r.Method(http.MethodPost, "/liquidations", s.route("liquidations.create", limitMutations, s.handleLiquidate))

		r.Method(http.MethodGet, "/tokens/{symbol}", s.route("tokens.get", limitQueries, s.handleToken))
		r.Method(http.MethodGet, "/tokens/{symbol}/balances/{address}", s.route("tokens.balance", limitQueries, s.handleTokenBalance))
		r.Method(http.MethodPost, "/tokens/{symbol}/approve", s.route("tokens.approve", limitMutations, s.handleApprove))

		r.Method(http.MethodPut, "/admin/prices/{asset}", s.route("admin.price", limitAdmin, s.handleSetPrice, scopeAdmin))
		r.Method(http.MethodPut, "/admin/pause", s.route("admin.pause", limitAdmin, s.handlePause, scopeAdmin))

		r.Method(http.MethodGet, "/events", s.route("events.stream", limitQueries, s.handleEvents))
		r.Method(http.MethodGet, "/events/history", s.route("events.history", limitQueries, s.handleHistory))
	})

	return otelhttp.NewHandler(r, "dscd")
}

// route wraps h with metrics, authentication and throttling in that order.
func (s *Server) route(name, limit string, h http.HandlerFunc, scopes ...string) http.Handler {
	var handler http.Handler = h
	if len(scopes) > 0 {
		handler = s.requireAuth(handler)
	}
	handler = s.limiter.Middleware(limit)(handler)
	handler = s.auth.Middleware(scopes...)(handler)
	return s.obs.Middleware(name)(handler)
}

// requireAuth refuses privileged routes when authentication is switched off.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			http.Error(w, "authentication required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}()
	s.logger.Info("http server listening", "listen", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.pauses != nil && s.pauses.IsPaused("dsc") {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/circuitbreaker"
	"github.com/zkmarket/relayer/internal/commitment"
	"github.com/zkmarket/relayer/internal/config"
	"github.com/zkmarket/relayer/internal/health"
	"github.com/zkmarket/relayer/internal/idgen"
	"github.com/zkmarket/relayer/internal/logging"
	"github.com/zkmarket/relayer/internal/metrics"
	"github.com/zkmarket/relayer/internal/payout"
	"github.com/zkmarket/relayer/internal/paypal"
	"github.com/zkmarket/relayer/internal/ratelimit"
	"github.com/zkmarket/relayer/internal/realtime"
	"github.com/zkmarket/relayer/internal/security"
	"github.com/zkmarket/relayer/internal/validation"
	"github.com/zkmarket/relayer/migrations"
)

// WelcomeText is served on GET /.
const WelcomeText = "Welcome to zkMarket Finance :)"

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Ledger is everything the server needs from the pool client.
type Ledger interface {
	commitment.Ledger
	payout.Ledger
	Ping(ctx context.Context) error
	Close()
}

// Gateway is the payout gateway together with its token endpoint.
type Gateway interface {
	payout.Gateway
	paypal.Authenticator
}

// breakerReporter is implemented by gateways that expose their breaker.
type breakerReporter interface {
	Breaker() *circuitbreaker.Breaker
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	ledger      Ledger
	gateway     Gateway
	tokens      *paypal.TokenCache
	commitments *commitment.Service
	payouts     *payout.Engine
	payoutTimer *payout.Timer
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter // nil when disabled
	db          *sql.DB            // nil when using the checkpoint file
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drain       time.Duration

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and build_info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLedger sets a custom pool client (for testing)
func WithLedger(l Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithGateway sets a custom payout gateway (for testing)
func WithGateway(g Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithShutdownDrain sets how long Shutdown waits for load balancers before
// closing listeners.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.drain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		drain:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.ledger == nil {
		client, err := chain.New(ctx, chain.Config{
			RPCURL:      cfg.ChainURL,
			ChainID:     cfg.ChainID,
			PoolAddress: cfg.PoolAddress,
			Keys: map[chain.Role]string{
				chain.RoleOperator: cfg.OperatorPrivateKey,
				chain.RoleRelayer:  cfg.RelayerPrivateKey,
			},
			SubmitTimeout:       cfg.SubmitTimeout,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ledger: %w", err)
		}
		s.ledger = client
		s.logger.Info("ledger connected",
			"chain_id", client.ChainID(),
			"pool", client.PoolAddress(),
			"operator", client.SignerAddress(chain.RoleOperator),
			"relayer", client.SignerAddress(chain.RoleRelayer),
		)
	}

	if s.gateway == nil {
		gw, err := paypal.NewClient(paypal.Config{
			AuthURL:   cfg.PayPalAuthURL,
			PayoutURL: cfg.PayPalPayoutURL,
			ClientID:  cfg.PayPalClientID,
			Secret:    cfg.PayPalSecret,
			Timeout:   cfg.GatewayTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create payout gateway: %w", err)
		}
		s.gateway = gw
	}
	s.tokens = paypal.NewTokenCache(s.gateway, cfg.TokenSafetyMargin)

	// Storage: Postgres if DATABASE_URL is set, otherwise the checkpoint file
	// plus in-memory commitment records.
	var (
		payoutStore     payout.Store
		commitmentStore commitment.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		payoutStore = payout.NewPostgresStore(db)
		commitmentStore = commitment.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		fs, err := payout.NewFileStore(cfg.CheckpointFile)
		if err != nil {
			return nil, err
		}
		payoutStore = fs
		commitmentStore = commitment.NewMemoryStore()
		s.logger.Warn("no DATABASE_URL set; checkpoint kept in file, commitment records in memory",
			"checkpoint_file", cfg.CheckpointFile)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.commitments = commitment.NewService(s.ledger, commitmentStore,
		commitment.WithNotifier(s.realtimeHub),
		commitment.WithLogger(s.logger),
	)

	s.payouts = payout.NewEngine(s.ledger, s.gateway, s.tokens, payoutStore, payout.Config{
		StartBlock:        cfg.CheckpointStartBlock,
		ConfirmationDepth: cfg.ConfirmationDepth,
		TokenDecimals:     cfg.TokenDecimals,
		Currency:          cfg.PayoutCurrency,
		EmailSubject:      cfg.PayoutSubject,
		EmailMessage:      cfg.PayoutMessage,
		Note:              cfg.PayoutNote,
		LedgerTimeout:     cfg.LedgerTimeout,
		DispatchTimeout:   cfg.GatewayTimeout,
	},
		payout.WithNotifier(s.realtimeHub),
		payout.WithLogger(s.logger),
	)

	if cfg.PayoutInterval > 0 {
		s.payoutTimer = payout.NewTimer(s.payouts, cfg.PayoutInterval, s.logger)
		s.logger.Info("scheduled payouts enabled", "interval", cfg.PayoutInterval)
	}

	s.health = s.healthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	metrics.BuildInfo.WithLabelValues(s.version, cfg.Env).Set(1)
	s.healthy.Store(true)

	return s, nil
}

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry()
	reg.Register("rpc", health.Ping("rpc", s.ledger.Ping))
	if s.db != nil {
		reg.Register("database", health.Ping("database", s.db.PingContext))
	}
	if br, ok := s.gateway.(breakerReporter); ok {
		reg.Register("gateway", func(ctx context.Context) health.Status {
			state := br.Breaker().State(paypal.EndpointPayouts)
			return health.Status{
				Name:    "gateway",
				Healthy: state != circuitbreaker.StateOpen,
				Detail:  "circuit " + state.String(),
			}
		})
	}
	return reg
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":  http.StatusInternalServerError,
			"error": "internal error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.WritesPerMinute = s.cfg.RateLimitWriteRPM
		rl.BurstSize = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse a well-formed upstream ID (load balancer, operator tooling).
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.welcomeHandler)

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	commitment.NewHandler(s.commitments).RegisterRoutes(api)

	payout.NewHandler(s.payouts, s.tokens).RegisterRoutes(s.router)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "error": "Sorry, can't find that"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Checks     []health.Status `json:"checks,omitempty"`
	Checkpoint *uint64         `json:"checkpoint,omitempty"`
	Realtime   realtime.Stats  `json:"realtime"`
	Timestamp  string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	healthy, checks := s.health.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if cp, err := s.payouts.Checkpoint(ctx); err == nil {
		resp.Checkpoint = &cp
	}

	httpStatus := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) welcomeHandler(c *gin.Context) {
	c.String(http.StatusOK, WelcomeText)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// writeTimeout covers the slowest handler: a submission held open until
// confirmation, or a GET /payouts that reads the ledger, refreshes the
// gateway token and dispatches.
func writeTimeout(cfg *config.Config) time.Duration {
	submit := cfg.SubmitTimeout + cfg.ConfirmationTimeout
	payouts := cfg.LedgerTimeout + paypal.RefreshTimeout + cfg.GatewayTimeout
	return max(submit, payouts) + 10*time.Second
}

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation, or a listener failure; then shuts down.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout(s.cfg),
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"pool", s.ledger.PoolAddress(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	if s.payoutTimer != nil {
		g.Go(func() error {
			s.payoutTimer.Start(gctx)
			return nil
		})
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-gctx.Done():
		s.logger.Info("context cancelled")
	}

	shutdownErr := s.Shutdown()
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.payoutTimer != nil {
		s.payoutTimer.Stop()
		s.logger.Info("payout timer stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.ledger.Close()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server wires the marketplace services and serves the
// operational HTTP surface.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/config"
	"github.com/mbd888/marketsettle/internal/health"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/notify"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/ratelimit"
	"github.com/mbd888/marketsettle/internal/realtime"
	"github.com/mbd888/marketsettle/internal/reconciliation"
	"github.com/mbd888/marketsettle/internal/retry"
	"github.com/mbd888/marketsettle/internal/rewards"
	"github.com/mbd888/marketsettle/internal/security"
	"github.com/mbd888/marketsettle/internal/settlement"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the marketplace services it hosts.
type Server struct {
	cfg     *config.Config
	version string

	db             *sql.DB // nil if using in-memory
	ledger         *chain.Client
	settlement     *settlement.Service
	catalog        *catalog.Service
	orders         *orders.Service
	rewards        *rewards.Ledger
	notifications  *notify.Service
	realtimeHub    *realtime.Hub
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithLedger sets a prebuilt ledger client (for testing).
func WithLedger(c *chain.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

type stores struct {
	products      catalog.Store
	orphans       reconciliation.Store
	orders        orders.Store
	rewards       rewards.Store
	notifications notify.Store
}

func memoryStores() stores {
	return stores{
		products:      catalog.NewMemoryStore(),
		orphans:       reconciliation.NewMemoryStore(),
		orders:        orders.NewMemoryStore(),
		rewards:       rewards.NewMemoryStore(),
		notifications: notify.NewMemoryStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		products:      catalog.NewPostgresStore(db),
		orphans:       reconciliation.NewPostgresStore(db),
		orders:        orders.NewPostgresStore(db),
		rewards:       rewards.NewPostgresStore(db),
		notifications: notify.NewPostgresStore(db),
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	st := memoryStores()
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		st = postgresStores(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.ledger == nil {
		ledger, err := chain.New(chain.Config{
			RPCURL:              cfg.RPCURL,
			PrivateKey:          cfg.PrivateKey,
			ChainID:             cfg.ChainID,
			EscrowContract:      cfg.EscrowContract,
			TokenContract:       cfg.TokenContract,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
			PollInterval:        cfg.ConfirmationPoll,
			MaxPollInterval:     cfg.ConfirmationMaxPoll,
		}, chain.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger client: %w", err)
		}
		s.ledger = ledger
	}
	if !s.ledger.CanSign() {
		s.logger.Warn("no signing key configured, ledger writes are disabled")
	}
	s.logger.Info("ledger client ready",
		"chain_id", cfg.ChainID,
		"escrow", s.ledger.EscrowAddress().Hex(),
		"token", s.ledger.TokenAddress().Hex(),
		"signer", s.ledger.Address().Hex(),
	)

	s.settlement = settlement.NewService(s.ledger, settlementConfig(cfg), s.logger)

	// Realtime push backs the notification port
	s.realtimeHub = realtime.NewHub(s.logger, nil)
	s.notifications = notify.NewService(st.notifications, s.realtimeHub, s.logger)

	rewardCfg := rewards.DefaultConfig()
	rewardCfg.AntiSpamWindow = cfg.RewardAntiSpamWindow
	rewardCfg.TestnetMode = cfg.TestnetMode
	s.rewards = rewards.NewLedger(st.rewards, rewardCfg, s.logger).WithNotifier(s.notifications)

	s.catalog = catalog.NewService(st.products, s.settlement, st.orphans, s.logger).WithPoints(s.rewards)
	s.orders = orders.NewService(st.orders, s.catalog, s.logger).
		WithRewards(s.rewards).
		WithNotifier(s.notifications).
		WithTokenDecimals(cfg.TokenDecimals)
	s.rewards.WithOrders(s.orders).WithReviews(s.orders)

	s.reconciler = reconciliation.NewRunner(st.orphans, s.ledger, s.catalog, s.logger).WithRewardRetry(s.orders)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry(health.DefaultTimeout)
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func settlementConfig(cfg *config.Config) settlement.Config {
	sc := settlement.DefaultConfig()
	sc.ApprovalStrategy = settlement.ApprovalStrategy(cfg.ApprovalStrategy)
	if cfg.AllowanceRecheckRetries > 0 {
		sc.AllowanceRecheck = retry.Backoff{
			Initial:     sc.AllowanceRecheck.Initial,
			Max:         sc.AllowanceRecheck.Max,
			MaxAttempts: cfg.AllowanceRecheckRetries,
		}
	}
	return sc
}

func (s *Server) registerHealthChecks() {
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	s.health.Register("ledger", health.Ping("ledger", s.ledger.Ping))
	s.health.Register("reconciler", health.Flag("reconciler", func() bool {
		// Only meaningful once Run has started the loop.
		return !s.ready.Load() || s.reconcileTimer.Running()
	}, "reconciliation loop is not running"))
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		ctx = logging.WithRequestID(ctx, requestID)
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.GET("/ws", s.rateLimiter.Middleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Status        `json:"checks,omitempty"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// signal arrives or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	runCtx := s.start(ctx)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-runCtx.Done():
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// start launches the background loops under a context Shutdown cancels.
func (s *Server) start(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	return runCtx
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	if err := s.ledger.Close(); err != nil {
		s.logger.Error("ledger close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Catalog returns the listing service.
func (s *Server) Catalog() *catalog.Service { return s.catalog }

// Orders returns the order lifecycle service.
func (s *Server) Orders() *orders.Service { return s.orders }

// Rewards returns the reward ledger.
func (s *Server) Rewards() *rewards.Ledger { return s.rewards }

// Notifications returns the notification port.
func (s *Server) Notifications() *notify.Service { return s.notifications }

// Reconciler returns the orphan recovery runner.
func (s *Server) Reconciler() *reconciliation.Runner { return s.reconciler }

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

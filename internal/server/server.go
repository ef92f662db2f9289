// Package server wires the stores, services and HTTP routes together.
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/marketledger/internal/auth"
	"github.com/mbd888/marketledger/internal/catalog"
	"github.com/mbd888/marketledger/internal/config"
	"github.com/mbd888/marketledger/internal/escrow"
	"github.com/mbd888/marketledger/internal/health"
	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/mbd888/marketledger/internal/logging"
	"github.com/mbd888/marketledger/internal/lookup"
	"github.com/mbd888/marketledger/internal/metrics"
	"github.com/mbd888/marketledger/internal/orders"
	"github.com/mbd888/marketledger/internal/ratelimit"
	"github.com/mbd888/marketledger/internal/realtime"
	"github.com/mbd888/marketledger/internal/reconciliation"
	"github.com/mbd888/marketledger/internal/security"
	"github.com/mbd888/marketledger/internal/traces"
	"github.com/mbd888/marketledger/internal/tracking"
	"github.com/mbd888/marketledger/internal/validation"
	"github.com/mbd888/marketledger/migrations"
)

// Version is reported by /health. Set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	ids         *tracking.Generator
	ledger      *ledger.Service
	orders      *orders.Service
	catalog     *catalog.Service
	escrow      *escrow.Service
	lookup      *lookup.Service
	recon       *reconciliation.Service
	scheduler   *reconciliation.Scheduler
	realtimeHub *realtime.Hub
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithDB injects an open database instead of dialing DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Settings{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "marketledger",
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))
	}
	if s.db != nil && cfg.AutoMigrate {
		if err := migrations.Up(ctx, s.db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.wire()

	if cfg.ReconcileEnabled() {
		sched, err := reconciliation.NewScheduler(s.recon, cfg.ReconcileSchedule, s.logger)
		if err != nil {
			return nil, err
		}
		s.scheduler = sched
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// wire builds stores and services. The same stores back the tracking
// collision checks, so an ID is unique within its collection regardless of
// which backend is in use.
func (s *Server) wire() {
	var (
		ledgerStore  ledger.Store
		orderStore   orders.Store
		catalogStore catalog.Store
		storage      = "memory"
	)
	if s.db != nil {
		ledgerStore = ledger.NewPostgresStore(s.db)
		orderStore = orders.NewPostgresStore(s.db)
		catalogStore = catalog.NewPostgresStore(s.db)
		storage = "postgres"
	} else {
		ledgerStore = ledger.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
	}
	metrics.BuildInfo.WithLabelValues(s.cfg.Env, storage).Set(1)

	s.ids = tracking.NewGenerator(tracking.WithLogger(s.logger))
	s.ids.Register(tracking.Wallet, ledger.Checker(ledgerStore))
	s.ids.Register(tracking.Order, orders.Checker(orderStore))
	s.ids.Register(tracking.Store, catalog.StorefrontChecker(catalogStore))
	s.ids.Register(tracking.Product, catalog.ProductChecker(catalogStore))

	s.realtimeHub = realtime.NewHub(s.logger)
	s.ledger = ledger.NewService(ledgerStore, s.ids, s.logger).WithCurrency(s.cfg.DefaultCurrency)
	s.catalog = catalog.NewService(catalogStore, s.ids, s.logger)
	s.orders = orders.NewService(orderStore, s.ids, s.logger).
		WithCurrency(s.cfg.DefaultCurrency).
		WithProductCounters(s.catalog).
		WithStock(s.catalog).
		WithListener(s.realtimeHub)
	s.escrow = escrow.NewService(s.ledger, orderStore, s.logger).
		WithNotifier(s.realtimeHub).
		WithStoreSales(s.catalog).
		WithRestock(s.orders)
	s.lookup = lookup.NewService(ledgerStore, catalogStore, catalogStore, orderStore, s.logger)
	s.recon = reconciliation.NewService(ledgerStore, orderStore, s.escrow, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.PingCheck("database", s.db))
	}
	s.health.Register("reconciliation", s.reconciliationCheck)

	s.logger.Info("services wired", "storage", storage, "currency", s.cfg.DefaultCurrency)
}

// reconciliationCheck is unhealthy only when the last completed run found
// something a human must look at.
func (s *Server) reconciliationCheck(ctx context.Context) health.Status {
	report := s.recon.LastReport()
	if report == nil {
		return health.Status{Name: "reconciliation", Healthy: true, Detail: "no run yet"}
	}
	if !report.Healthy() {
		return health.Status{Name: "reconciliation", Healthy: false, Detail: fmt.Sprintf(
			"%d ledger mismatches, %d unsettled, %d missing holds, %d stranded holds",
			len(report.Mismatches), len(report.ResettleFailures), len(report.MissingHolds), len(report.StrandedHolds))}
	}
	return health.Status{Name: "reconciliation", Healthy: true}
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
		metrics.HTTPPanicsTotal.Inc()
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.cfg.GatewayToken))

	if s.cfg.RateLimitRPM > 0 {
		cfg := ratelimit.DefaultConfig()
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(cfg)
		s.router.Use(s.rateLimiter.Middleware())
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(v1.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem)))

	orders.NewHandler(s.orders, s.logger).RegisterRoutes(v1)
	escrow.NewHandler(s.escrow, s.logger).RegisterRoutes(v1)
	catalog.NewHandler(s.catalog, s.logger).RegisterRoutes(v1)
	lookup.NewHandler(s.lookup, s.logger).RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin, auth.RoleSystem))
	reconciliation.NewHandler(s.recon, s.logger).RegisterRoutes(admin)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background workers without serving HTTP. Run calls it;
// tests call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	if s.scheduler != nil {
		s.scheduler.Start(runCtx)
	}
	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Let an in-flight reconciliation finish before closing the pool.
	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	// Cancel the context for background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

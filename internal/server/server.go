// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stallwise/paycore/internal/auth"
	"github.com/stallwise/paycore/internal/config"
	"github.com/stallwise/paycore/internal/dispute"
	"github.com/stallwise/paycore/internal/escrow"
	"github.com/stallwise/paycore/internal/health"
	"github.com/stallwise/paycore/internal/idgen"
	"github.com/stallwise/paycore/internal/ingest"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/logging"
	"github.com/stallwise/paycore/internal/metrics"
	"github.com/stallwise/paycore/internal/notify"
	"github.com/stallwise/paycore/internal/order"
	"github.com/stallwise/paycore/internal/provider"
	"github.com/stallwise/paycore/internal/ratelimit"
	"github.com/stallwise/paycore/internal/realtime"
	"github.com/stallwise/paycore/internal/scheduler"
	"github.com/stallwise/paycore/internal/security"
	"github.com/stallwise/paycore/internal/traces"
	"github.com/stallwise/paycore/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       ledger.Store
	providers   *provider.Registry
	controller  *escrow.Controller
	orders      *order.Service
	disputes    *dispute.Service
	ingestion   *ingest.Service
	sink        notify.Sink
	hub         *realtime.Hub
	jobs        *scheduler.Scheduler
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	stopTracing func(context.Context) error
	cancelRun   context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProviders overrides the payment rails (for testing)
func WithProviders(r *provider.Registry) Option {
	return func(s *Server) {
		s.providers = r
	}
}

// WithStore overrides the ledger store (for testing)
func WithStore(st ledger.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.checks.Register("database", health.DBChecker(db))
			s.logger.Info("using postgres store", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Info("using in-memory store (set DATABASE_URL for persistence)")
		}
	}

	// Payment rails. The mock rail is only mounted outside production.
	if s.providers == nil {
		var rails []provider.Provider
		if cfg.StripeSecretKey != "" {
			rails = append(rails, provider.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret))
		}
		if cfg.ChainRPCURL != "" {
			chain, err := provider.NewChain(cfg.ChainRPCURL, cfg.ChainTokenContract,
				cfg.ChainPlatformAddress, cfg.ChainWebhookSecret)
			if err != nil {
				return nil, fmt.Errorf("failed to connect chain rail: %w", err)
			}
			rails = append(rails, chain)
		}
		if !cfg.IsProduction() {
			rails = append(rails, provider.NewMock())
		}
		if len(rails) == 0 {
			return nil, fmt.Errorf("no payment rails configured")
		}
		s.providers = provider.NewRegistry(rails...)
	}
	s.logger.Info("payment rails configured", "rails", s.providers.Names())

	if cfg.NotifyURL != "" {
		s.sink = notify.NewHTTPSink(cfg.NotifyURL, cfg.NotifySecret, s.logger)
	} else {
		s.sink = notify.NewLogSink(s.logger)
	}

	s.controller = escrow.NewController(s.store, s.providers, escrow.Options{
		HoldPeriod:      cfg.EscrowHoldPeriod,
		ReconcileWindow: cfg.ReconcileWindow,
		ProviderTimeout: cfg.ProviderTimeout,
		Notifier:        s.sink,
	})

	s.orders = order.NewService(s.store, s.controller)
	s.disputes = dispute.NewService(s.store, s.controller)
	s.hub = realtime.NewHub(s.logger)

	s.ingestion = ingest.NewService(s.store, s.providers, s.controller,
		ingest.NotifyHook(s.sink),
		ingest.RealtimeHook(s.hub),
	)

	s.jobs = scheduler.New(s.logger,
		scheduler.Job{
			Name:     "reconcile_pending",
			Interval: cfg.ReconcileInterval,
			Run:      s.controller.ReconcilePending,
		},
		scheduler.Job{
			Name:     "sweep_auto_release",
			Interval: cfg.SweepInterval,
			Run:      s.controller.SweepAutoRelease,
		},
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/webhooks/", "/health", "/metrics"},
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
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
	// Probes and metrics
	s.router.GET("/health", s.checks.ReadyHandler)
	s.router.GET("/health/live", health.LiveHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Versioned API
	v1 := s.router.Group("/v1")
	order.NewHandler(s.orders, s.controller).RegisterRoutes(v1)
	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)

	// Arbiter actions need the admin secret
	arbiter := v1.Group("")
	arbiter.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	disputeHandler.RegisterArbiterRoutes(arbiter)

	// Provider webhooks (unversioned; configured in provider dashboards)
	ingest.NewHandler(s.ingestion).RegisterRoutes(s.router.Group(""))

	// Realtime payment-event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Cron-invoker triggers, admin gated. The scheduler also runs these
	// on its own tickers.
	internal := s.router.Group("/internal")
	internal.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	internal.POST("/run/reconcile", s.triggerHandler("reconcile_pending"))
	internal.POST("/run/sweep", s.triggerHandler("sweep_auto_release"))
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	s.checks.ReadyHandler(c)
}

func (s *Server) triggerHandler(job string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.jobs.Trigger(c.Request.Context(), job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "job_failed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job, "status": "ok"})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.jobs.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Stop background goroutines (hub, scheduler)
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.jobs.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

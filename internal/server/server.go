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

	"github.com/escrowhq/escrowd/internal/auth"
	"github.com/escrowhq/escrowd/internal/capture"
	"github.com/escrowhq/escrowd/internal/clock"
	"github.com/escrowhq/escrowd/internal/config"
	"github.com/escrowhq/escrowd/internal/escrow"
	"github.com/escrowhq/escrowd/internal/health"
	"github.com/escrowhq/escrowd/internal/idgen"
	"github.com/escrowhq/escrowd/internal/logging"
	"github.com/escrowhq/escrowd/internal/metrics"
	"github.com/escrowhq/escrowd/internal/notify"
	"github.com/escrowhq/escrowd/internal/offer"
	"github.com/escrowhq/escrowd/internal/ratelimit"
	"github.com/escrowhq/escrowd/internal/realtime"
	"github.com/escrowhq/escrowd/internal/security"
	"github.com/escrowhq/escrowd/internal/traces"
	"github.com/escrowhq/escrowd/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	escrowStore   escrow.Store
	offerStore    offer.Store
	escrowService *escrow.Service
	clk           *clock.Clock
	reconciler    *escrow.Reconciler
	authMgr       *auth.Manager
	notifyStore   notify.Store
	dispatcher    *notify.Dispatcher
	emitter       *notify.Emitter
	hub           *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTraces    func(context.Context) error

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

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.offerStore = offer.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		s.offerStore = offer.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Outbound notifications: webhooks plus realtime fan-out
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.emitter = notify.NewEmitter(s.dispatcher, s.logger).WithBroadcaster(s.hub)
	s.logger.Info("notifications enabled")

	// Escrow engine
	policy := escrow.Policy{
		ReviewWindow:   cfg.ReviewWindow,
		TimeoutOutcome: cfg.ReviewTimeoutOutcome,
	}
	s.escrowService = escrow.NewService(s.escrowStore, offer.NewResolver(s.offerStore), policy, cfg.PlatformFeeBps).
		WithNotifier(s.emitter).
		WithReminderLead(cfg.ReviewReminderLead)

	s.clk = clock.New(s.escrowService.HandleTimerFire, s.logger)
	s.escrowService.WithClock(s.clk)

	// Reconciler backstops the clock: review windows that expired while
	// the process was down get picked up on the next sweep.
	s.reconciler = escrow.NewReconciler(s.escrowService, s.escrowStore, cfg.SweepInterval, s.logger)

	s.checks.Register("clock", func(ctx context.Context) health.Status {
		if !s.clk.Running() {
			return health.Status{Name: "clock", Healthy: false, Detail: "dispatch loop not running"}
		}
		return health.Status{Name: "clock", Healthy: true}
	})

	s.logger.Info("escrow engine enabled",
		"reviewWindow", cfg.ReviewWindow.String(),
		"timeoutOutcome", cfg.ReviewTimeoutOutcome,
		"platformFeeBps", cfg.PlatformFeeBps,
	)

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, payment capture webhook disabled")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + idgen.Hex(8)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time notifications. The connection is scoped to
	// the authenticated party, so auth happens before the upgrade.
	s.router.GET("/ws", auth.Middleware(s.authMgr), auth.RequireAuth(), s.hub.HandleWebSocket)

	// V1 API group
	v1 := s.router.Group("/v1")

	offerHandler := offer.NewHandler(s.offerStore)
	escrowHandler := escrow.NewHandler(s.escrowService)
	notifyHandler := notify.NewHandler(s.notifyStore)
	authHandler := auth.NewHandler(s.authMgr)
	captureHandler := capture.NewHandler(s.escrowService, s.cfg.StripeWebhookSecret, s.logger)

	// PUBLIC ROUTES (no API key required)
	// Offers are readable by anyone holding the ID; the capture webhook
	// is authenticated by the processor's signature instead of a key.
	offerHandler.RegisterRoutes(v1)
	captureHandler.RegisterRoutes(v1)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		escrowHandler.RegisterRoutes(protected)
		notifyHandler.RegisterRoutes(protected)
		authHandler.RegisterRoutes(protected)
	}

	// ADMIN ROUTES (require X-Admin-Secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdminSecret(s.cfg.AdminSecret))
	{
		offerHandler.RegisterAdminRoutes(admin)
		authHandler.RegisterAdminRoutes(admin)
		captureHandler.RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no OTLP endpoint configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start timer dispatch, reconciliation sweep, and realtime hub
	go s.clk.Start(runCtx)
	go s.reconciler.Start(runCtx)
	go s.hub.Run(runCtx)

	// Collect DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (clock, reconciler, hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop timer dispatch
	if s.clk != nil {
		s.clk.Stop()
		s.logger.Info("clock stopped")
	}

	// Stop reconciliation sweep
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/circuitbreaker"
	"github.com/mbd888/careline/internal/config"
	"github.com/mbd888/careline/internal/escrow"
	"github.com/mbd888/careline/internal/health"
	"github.com/mbd888/careline/internal/idgen"
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/notifications"
	"github.com/mbd888/careline/internal/offers"
	"github.com/mbd888/careline/internal/processor"
	"github.com/mbd888/careline/internal/ratelimit"
	"github.com/mbd888/careline/internal/realtime"
	"github.com/mbd888/careline/internal/reconciliation"
	"github.com/mbd888/careline/internal/requests"
	"github.com/mbd888/careline/internal/security"
	"github.com/mbd888/careline/internal/traces"
	"github.com/mbd888/careline/internal/validation"
	"github.com/mbd888/careline/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          ledger.Store
	processor      processor.Processor
	sandbox        *processor.Sandbox // nil when a real processor is configured
	events         webhooks.EventLog
	emitter        *notifications.Emitter
	streams        *realtime.Hub
	stopStreams    context.CancelFunc
	coordinator    *escrow.Coordinator
	reconciler     *webhooks.Reconciler
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil if using in-memory event log
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithStore replaces the configured store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithProcessor replaces the configured payment processor (for testing)
func WithProcessor(p processor.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, traces.Settings{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDatabase(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}
	s.health.Register("database", health.PingChecker("database", s.store))

	// Payment processor: Stripe when a key is configured, otherwise the sandbox
	if s.processor == nil {
		if cfg.UseSandboxProcessor() {
			s.sandbox = processor.NewSandbox()
			s.processor = s.sandbox
			s.logger.Warn("using sandbox payment processor (no STRIPE_SECRET_KEY set)")
		} else {
			s.processor = processor.NewStripe(cfg.StripeSecretKey)
			s.logger.Info("stripe payment processor enabled")
		}
	} else if sb, ok := s.processor.(*processor.Sandbox); ok {
		s.sandbox = sb
	}

	// Webhook event dedupe: shared through Redis across instances when configured
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		eventLog := webhooks.NewRedisEventLog(s.redis, webhooks.DefaultEventTTL)
		s.events = eventLog
		s.health.Register("redis", health.PingChecker("redis", eventLog))
		s.logger.Info("webhook event log backed by redis", "addr", opt.Addr)
	} else {
		s.events = webhooks.NewMemoryEventLog(webhooks.DefaultEventTTL)
	}

	s.emitter = notifications.NewEmitter(s.store, s.logger, notifications.DefaultQueueSize)
	s.streams = realtime.NewHub(s.logger)
	s.emitter.SetPublisher(s.streams)
	streamCtx, stopStreams := context.WithCancel(context.Background())
	s.stopStreams = stopStreams
	go s.streams.Run(streamCtx)

	breaker := circuitbreaker.New(5, 30*time.Second)
	s.coordinator = escrow.NewCoordinator(s.store, s.processor, breaker, escrow.Config{
		Currency:       cfg.Currency,
		MinimumCharge:  cfg.MinimumCharge,
		CommissionRate: cfg.CommissionRate,
		Timeout:        cfg.ProcessorTimeout,
		MaxAttempts:    cfg.ProcessorMaxAttempts,
	})
	s.health.Register("processor", health.BreakerChecker("processor", breaker, escrow.OperationAuthorize))

	verifier := processor.NewWebhookVerifier(cfg.StripeWebhookSecret)
	verifier.SetLogger(s.logger)
	s.reconciler = webhooks.NewReconciler(s.store, verifier, s.events, s.emitter)
	s.reconciler.SetCanceller(s.processor)

	runner := reconciliation.NewRunner(s.store, s.processor, s.reconciler, cfg.StalePaymentAge, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(runner, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID first so recovered panics are logged with it
	s.router.Use(s.requestIDMiddleware())

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.loggingMiddleware())

	limits := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limits.RequestsPerMinute = s.cfg.RateLimitRPM
		limits.BurstSize = max(limits.BurstSize, s.cfg.RateLimitRPM/6)
	}
	s.rateLimiter = ratelimit.New(limits)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.RequestID()
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
		if userID := auth.UserID(c); userID != 0 {
			logger = logger.With("user_id", userID)
		}

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
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	requestHandler := requests.NewHandler(requests.NewService(s.store))
	offerHandler := offers.NewHandler(offers.NewService(s.store, s.emitter))
	escrowHandler := escrow.NewHandler(s.coordinator)
	webhookHandler := webhooks.NewHandler(s.reconciler)
	notificationHandler := notifications.NewHandler(notifications.NewService(s.store))

	// Public: category list and the processor callback. The webhook is
	// authenticated by its signature and is not rate limited, so processor
	// retries are never dropped.
	public := s.router.Group("")
	webhookHandler.RegisterRoutes(public)
	public.Use(s.rateLimiter.Middleware())
	requestHandler.RegisterRoutes(public)

	protected := s.router.Group("")
	protected.Use(auth.RequireAuth(s.cfg.JWTSecret))
	protected.Use(s.rateLimiter.Middleware())
	requestHandler.RegisterProtectedRoutes(protected)
	offerHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	notificationHandler.RegisterProtectedRoutes(protected)
	protected.GET("/notifications/stream", s.streams.HandleStream)

	if s.sandbox != nil && !s.cfg.IsProduction() {
		sandbox := s.router.Group("/sandbox")
		sandbox.Use(auth.RequireAuth(s.cfg.JWTSecret))
		sandbox.POST("/payments/:reference/settle", s.settleSandboxPayment)
		s.logger.Warn("sandbox settlement endpoint enabled")
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
			"sandbox_processor", s.sandbox != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconcileTimer.Stop()
	s.rateLimiter.Stop()

	// Drain queued notifications before the store goes away
	if err := s.emitter.Close(ctx); err != nil {
		s.logger.Warn("notification queue not drained", "error", err)
	}
	s.stopStreams()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Warn("trace exporter shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Ready reports whether Run has started serving and Shutdown has not begun.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

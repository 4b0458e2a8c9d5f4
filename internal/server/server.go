// Package server wires storage, the payment gateway and the background
// workers together and serves the HTTP API.
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
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/bountypay/internal/api"
	"github.com/mbd888/bountypay/internal/circuitbreaker"
	"github.com/mbd888/bountypay/internal/config"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/health"
	"github.com/mbd888/bountypay/internal/idempotency"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/outbox"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/ratelimit"
	"github.com/mbd888/bountypay/internal/reconciliation"
	"github.com/mbd888/bountypay/internal/security"
	"github.com/mbd888/bountypay/internal/settlement"
	"github.com/mbd888/bountypay/internal/traces"
	"github.com/mbd888/bountypay/internal/txn"
	"github.com/mbd888/bountypay/internal/validation"
	"github.com/mbd888/bountypay/migrations"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	db      *sql.DB       // nil if using in-memory
	redis   *redis.Client // nil unless REDIS_URL is set
	gateway payments.Gateway

	ledger      *ledger.Ledger
	escrow      *escrow.Manager
	dispatcher  *outbox.Dispatcher
	settlement  *settlement.Orchestrator
	reconciler  *reconciliation.Timer
	sweeper     *idempotency.Sweeper
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router     *gin.Engine
	httpSrv    *http.Server
	drainDelay time.Duration

	mu        sync.Mutex
	cancelRun context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error

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

// WithGateway replaces the payment gateway chosen from configuration.
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	storage, err := s.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	gatewayName := s.setupGateway()
	s.setupServices(storage)

	metrics.BuildInfo.WithLabelValues(cfg.Env, storage.name, gatewayName).Set(1)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

type stores struct {
	name        string
	txm         txn.Manager
	ledger      ledger.Store
	escrow      escrow.Store
	outbox      outbox.Store
	idempotency idempotency.Store
}

// setupStorage picks Postgres when DATABASE_URL is set and in-memory stores
// otherwise. Idempotency keys go to Redis when REDIS_URL is set.
func (s *Server) setupStorage(ctx context.Context) (*stores, error) {
	var st *stores
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
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
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}

		s.db = db
		st = &stores{
			name:        "postgres",
			txm:         txn.NewPostgresManager(db),
			ledger:      ledger.NewPostgresStore(db),
			escrow:      escrow.NewPostgresStore(db),
			outbox:      outbox.NewPostgresStore(db),
			idempotency: idempotency.NewPostgresStore(db),
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		st = &stores{
			name:        "memory",
			txm:         txn.NewMemoryManager(),
			ledger:      ledger.NewMemoryStore(),
			escrow:      escrow.NewMemoryStore(),
			outbox:      outbox.NewMemoryStore(),
			idempotency: idempotency.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		client, err := idempotency.Connect(ctx, s.cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.redis = client
		st.idempotency = idempotency.NewRedisStore(client)
		s.logger.Info("idempotency keys stored in redis")
	}
	return st, nil
}

func (s *Server) setupGateway() string {
	name := "custom"
	if s.gateway == nil {
		if s.cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.Currency, nil)
			name = "stripe"
		} else {
			s.gateway = payments.NewFakeGateway()
			name = "fake"
			s.logger.Warn("no STRIPE_SECRET_KEY set, payouts use the in-process fake gateway")
		}
	}
	s.gateway = payments.WithBreaker(s.gateway, circuitbreaker.New(5, 30*time.Second))
	return name
}

func (s *Server) setupServices(st *stores) {
	cfg := s.cfg

	s.ledger = ledger.New(st.ledger, st.txm, ledger.WithLogger(s.logger))
	guard := idempotency.NewGuard(st.idempotency,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLogger(s.logger))

	escrowOpts := []escrow.Option{escrow.WithLogger(s.logger)}
	if cfg.PlatformFeeBPS > 0 {
		escrowOpts = append(escrowOpts, escrow.WithPlatformFee(cfg.PlatformAccountID, cfg.PlatformFeeBPS))
	}
	s.escrow = escrow.NewManager(s.ledger, st.escrow, guard, escrowOpts...)

	s.dispatcher = outbox.NewDispatcher(st.outbox, st.txm, s.logger, outbox.Config{
		Workers:      cfg.OutboxWorkers,
		PollInterval: cfg.OutboxPollInterval,
		MaxRetries:   cfg.OutboxMaxRetries,
		BaseDelay:    cfg.OutboxBaseDelay,
		MaxDelay:     cfg.OutboxMaxDelay,
		Lease:        cfg.OutboxLease,
	})
	s.settlement = settlement.New(s.ledger, s.escrow, s.dispatcher, s.gateway, guard,
		settlement.Config{AutoPayout: cfg.AutoPayout}, s.logger)

	runner := reconciliation.NewRunner(s.ledger.Store(), s.dispatcher, s.logger)
	s.reconciler = reconciliation.NewTimer(runner, cfg.ReconcileInterval, s.logger)

	if exp, ok := st.idempotency.(idempotency.Expirer); ok {
		s.sweeper = idempotency.NewSweeper(exp, time.Hour, s.logger)
	}

	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("outbox", health.Running("outbox", s.dispatcher.Running))
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconciler.Running))
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

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, client retry).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
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
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	h := api.NewHandler(s.ledger, s.escrow, s.settlement, s.dispatcher)
	v1 := s.router.Group("/v1")
	h.RegisterRoutes(v1)

	switch {
	case s.cfg.AdminSecret != "":
		h.RegisterAdminRoutes(v1.Group("/admin", security.AdminMiddleware(s.cfg.AdminSecret)))
	case s.cfg.IsDevelopment():
		s.logger.Warn("ADMIN_SECRET not set, admin routes are unauthenticated in development")
		h.RegisterAdminRoutes(v1.Group("/admin"))
	default:
		s.logger.Warn("ADMIN_SECRET not set, admin routes disabled")
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "route not found"})
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	Checks         []health.Status `json:"checks"`
	Reconciliation *reconcileInfo  `json:"reconciliation,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

type reconcileInfo struct {
	CheckedAt    time.Time `json:"checkedAt"`
	Accounts     int       `json:"accounts"`
	Mismatches   int       `json:"mismatches"`
	FailedEvents int       `json:"failedEvents"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if last := s.reconciler.Last(); last != nil {
		resp.Reconciliation = &reconcileInfo{
			CheckedAt:    last.CheckedAt,
			Accounts:     last.Accounts,
			Mismatches:   len(last.Mismatches),
			FailedEvents: last.FailedEvents,
		}
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
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

// Run serves HTTP and runs the background workers until ctx is cancelled,
// SIGINT or SIGTERM arrives, or a component fails. It then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.dispatcher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.reconciler.Start(gctx)
		return nil
	})
	if s.sweeper != nil {
		g.Go(func() error {
			s.sweeper.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received")
		}
		return s.Shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	err = g.Wait()
	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracing(tctx); terr != nil {
		s.logger.Warn("tracing shutdown error", "error", terr)
	}
	return err
}

// Shutdown gracefully stops the server and the background workers. It is
// safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	s.dispatcher.Stop()
	s.reconciler.Stop()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.closeStorage()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStorage() {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

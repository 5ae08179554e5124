// Package server sets up the HTTP server with all routes
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/pharmahub/internal/auth"
	"github.com/mbd888/pharmahub/internal/config"
	"github.com/mbd888/pharmahub/internal/gateway"
	"github.com/mbd888/pharmahub/internal/health"
	"github.com/mbd888/pharmahub/internal/ledger"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/metrics"
	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/ratelimit"
	"github.com/mbd888/pharmahub/internal/reconciliation"
	"github.com/mbd888/pharmahub/internal/secrets"
	"github.com/mbd888/pharmahub/internal/security"
	"github.com/mbd888/pharmahub/internal/subscription"
	"github.com/mbd888/pharmahub/internal/syncutil"
	"github.com/mbd888/pharmahub/internal/tenant"
	"github.com/mbd888/pharmahub/internal/tenantdb"
	"github.com/mbd888/pharmahub/internal/traces"
	"github.com/mbd888/pharmahub/internal/usage"
	"github.com/mbd888/pharmahub/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	locker syncutil.Locker
	cipher *secrets.Cipher

	plans          plans.Store
	tenants        *tenant.Service
	subscriptions  *subscription.Service
	tenantRegistry *tenantdb.Registry
	tenantRouter   *tenantdb.Router
	usage          *usage.Aggregator
	gateways       *gateway.Holder
	ledger         *ledger.Service
	reconciler     *reconciliation.Runner
	authMgr        *auth.Manager

	sweepTimer     *subscription.Timer
	reconcileTimer *reconciliation.Timer
	configWatcher  *config.Watcher
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry

	gatewayFactory  gateway.Factory
	shutdownTracing func(context.Context) error

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

// WithGatewayFactory replaces the payment gateway adapter factory (for testing)
func WithGatewayFactory(f gateway.Factory) Option {
	return func(s *Server) {
		s.gatewayFactory = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	s.cipher, err = secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

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
		s.db = db
		s.healthChecks.Register("directory", health.PingChecker("directory", db))
		s.logger.Info("connected to directory database", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory directory (data is lost on restart)")
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.locker = syncutil.NewRedisLocker(s.redis, "pharmahub:lock:", 30*time.Second, s.logger)
		s.healthChecks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("using redis for distributed locks")
	} else {
		s.locker = syncutil.NewLocalLocker()
	}

	if err := s.setupServices(ctx); err != nil {
		return nil, err
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupServices(ctx context.Context) error {
	cfg := s.cfg

	// Directory: plans, tenants, subscriptions
	var (
		tenantStore tenant.Store
		subStore    subscription.Store
		chargeStore ledger.Store
		eventStore  ledger.EventStore
		settings    gateway.SettingsStore
	)
	if s.db != nil {
		planStore := plans.NewPostgresStore(s.db)
		if err := planStore.Seed(ctx); err != nil {
			return fmt.Errorf("failed to seed plans: %w", err)
		}
		s.plans = planStore
		tenantStore = tenant.NewPostgresStore(s.db)
		subStore = subscription.NewPostgresStore(s.db)
		chargeStore = ledger.NewPostgresStore(s.db)
		eventStore = ledger.NewPostgresEventStore(s.db)
		settings = gateway.NewPostgresSettingsStore(s.db)
	} else {
		s.plans = plans.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		subStore = subscription.NewMemoryStore()
		chargeStore = ledger.NewMemoryStore()
		eventStore = ledger.NewMemoryEventStore()
		settings = gateway.NewMemorySettingsStore()
	}

	s.subscriptions = subscription.NewService(subStore, s.plans, tenantStore).
		WithLocker(s.locker).
		WithTrialDays(cfg.TrialDays)
	s.tenants = tenant.NewService(tenantStore, s.plans, s.cipher).
		WithTrialStarter(s.subscriptions)

	// Connection router
	opener := tenantdb.PostgresOpener(cfg.TenantDBHost, cfg.TenantDBPort, cfg.TenantDBSSLMode)
	dialect := usage.DialectPostgres
	if cfg.TenantDBDriver == "sqlite" {
		opener = tenantdb.SQLiteOpener(cfg.TenantDBDir)
		dialect = usage.DialectSQLite
	}
	s.tenantRegistry = tenantdb.NewRegistry(opener, s.cipher, cfg.TenantDBMaxIdle, cfg.TenantDBIdleTimeout, s.logger)
	s.tenantRouter = tenantdb.NewRouter(s.tenantRegistry, s.tenants, s.db)
	s.healthChecks.Register("tenant_router", health.PingChecker("tenant_router", s.tenantRegistry))

	s.usage = usage.NewAggregator(s.tenantRouter, usage.NewSQLCounter(dialect), s.subscriptions, s.plans).
		WithLocker(s.locker)

	if cfg.TenantTokenSecret != "" {
		mgr, err := auth.NewManager(cfg.TenantTokenSecret, auth.DefaultTTL)
		if err != nil {
			return fmt.Errorf("failed to init tenant tokens: %w", err)
		}
		s.authMgr = mgr
	}

	// Payments
	s.gateways = gateway.NewHolder(settings, s.cipher, gatewayEnv(cfg), s.logger)
	if s.gatewayFactory != nil {
		s.gateways.WithFactory(s.gatewayFactory)
	}
	if err := s.gateways.Reload(ctx); err != nil {
		// Env credentials still work; stored settings are retried on the next reload.
		s.logger.Error("failed to load stored gateway settings", "error", err)
	}

	s.ledger = ledger.NewService(chargeStore, s.tenants, s.gateways, s.subscriptions).
		WithEventStore(eventStore).
		WithLocker(s.locker)
	s.reconciler = reconciliation.NewRunner(chargeStore, s.ledger)

	// Background work
	s.sweepTimer = subscription.NewTimer(s.subscriptions, cfg.SweepInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	if cfg.EnvFile != "" {
		if _, err := os.Stat(cfg.EnvFile); err == nil {
			w, err := config.NewWatcher(cfg, s.logger)
			if err != nil {
				return fmt.Errorf("failed to create config watcher: %w", err)
			}
			w.OnReload(s.applyConfig)
			s.configWatcher = w
		}
	}
	return nil
}

// applyConfig pushes reloadable settings into the running services.
func (s *Server) applyConfig(cfg *config.Config) {
	if err := s.gateways.SetEnv(context.Background(), gatewayEnv(cfg)); err != nil {
		s.logger.Error("gateway reload after config change failed", "error", err)
		return
	}
	s.logger.Info("gateway configuration reloaded", "active_gateway", s.gateways.Current().Active)
}

func gatewayEnv(cfg *config.Config) gateway.EnvConfig {
	return gateway.EnvConfig{
		Active:              gateway.Provider(cfg.ActiveGateway),
		AsaasAPIKey:         cfg.AsaasAPIKey,
		AsaasBaseURL:        cfg.AsaasBaseURL,
		AsaasWebhookToken:   cfg.AsaasWebhookToken,
		StripeSecretKey:     cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		Timeout:             cfg.GatewayTimeout,
		Strict:              cfg.WebhookStrict,
	}
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
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
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

	// Public catalog
	plans.NewHandler(s.plans).RegisterRoutes(v1)

	// Provider callbacks authenticate themselves
	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterWebhookRoutes(v1)

	// Tenant-scoped routes
	var verifier tenantdb.TokenVerifier
	if s.authMgr != nil {
		verifier = s.authMgr
	}
	tenantGroup := v1.Group("")
	tenantGroup.Use(tenantdb.Middleware(s.tenantRouter, verifier))
	tenantGroup.Use(s.rateLimiter.TenantMiddleware(s.plans))
	subscriptionHandler := subscription.NewHandler(s.subscriptions)
	subscriptionHandler.RegisterRoutes(tenantGroup)
	usage.NewHandler(s.usage).RegisterRoutes(tenantGroup)
	ledgerHandler.RegisterRoutes(tenantGroup)

	// Directory administration
	admin := v1.Group("/admin")
	admin.Use(security.AdminMiddleware(s.cfg.AdminSecret))
	tenant.NewHandler(s.tenants).RegisterAdminRoutes(admin)
	plans.NewHandler(s.plans).RegisterAdminRoutes(admin)
	subscriptionHandler.RegisterAdminRoutes(admin)
	gateway.NewHandler(s.gateways).RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	if s.authMgr != nil {
		auth.NewHandler(s.authMgr, s.tenants).RegisterAdminRoutes(admin)
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
	ok, statuses := s.healthChecks.CheckAll(c.Request.Context())

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
			"tenant_db_driver", s.cfg.TenantDBDriver,
			"active_gateway", s.gateways.Current().Active,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweepTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	go s.tenantRegistry.Start(runCtx, time.Minute)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.configWatcher != nil {
		if err := s.configWatcher.Start(); err != nil {
			s.logger.Error("failed to start config watcher", "error", err)
		}
	}

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweepTimer.Stop()
	s.reconcileTimer.Stop()

	if s.configWatcher != nil {
		s.configWatcher.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.tenantRegistry.Close(); err != nil {
		s.logger.Error("tenant registry close error", "error", err)
	} else {
		s.logger.Info("tenant connections closed")
	}

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

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

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

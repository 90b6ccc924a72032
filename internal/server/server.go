// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/orchardhq/orchard/internal/bulkops"
	"github.com/orchardhq/orchard/internal/config"
	"github.com/orchardhq/orchard/internal/health"
	"github.com/orchardhq/orchard/internal/jobs"
	"github.com/orchardhq/orchard/internal/logging"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/provision"
	"github.com/orchardhq/orchard/internal/purge"
	"github.com/orchardhq/orchard/internal/quota"
	"github.com/orchardhq/orchard/internal/ratelimit"
	"github.com/orchardhq/orchard/internal/security"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
	"github.com/orchardhq/orchard/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	tenants      tenant.Store
	dbm          tenantdb.Manager
	notifier     notify.Notifier
	pipeline     *provision.Pipeline
	purger       *purge.Purger
	engine       *quota.Engine
	settings     quota.SettingsStore
	warnings     quota.WarningStore
	limits       ratelimit.Store
	governor     *ratelimit.Governor
	dispatcher   *bulkops.Dispatcher
	queue        *jobs.Queue
	purgeSweeper *purge.Sweeper
	quotaSweeper *quota.Sweeper
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
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

// WithNotifier sets a custom notifier (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithTenantDB sets a custom tenant database manager (for testing)
func WithTenantDB(m tenantdb.Manager) Option {
	return func(s *Server) {
		s.dbm = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		tenantStore := tenant.NewPostgresStore(db)
		if err := tenantStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate tenant store", "error", err)
		}
		s.tenants = tenantStore

		settingsStore := quota.NewPostgresSettingsStore(db)
		if err := settingsStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate quota settings store", "error", err)
		}
		s.settings = settingsStore

		warningStore := quota.NewPostgresWarningStore(db)
		if err := warningStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate quota warning store", "error", err)
		}
		s.warnings = warningStore

		limitStore := ratelimit.NewPostgresStore(db)
		if err := limitStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate rate limit store", "error", err)
		}
		s.limits = limitStore

		if s.dbm == nil {
			s.dbm = tenantdb.NewPostgres(db, cfg.DatabaseURL, cfg.TenantDBPrefix, s.logger)
		}
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		s.tenants = tenant.NewMemoryStore()
		s.settings = quota.NewMemorySettingsStore()
		s.warnings = quota.NewMemoryWarningStore()
		s.limits = ratelimit.NewMemoryStore()
		if s.dbm == nil {
			s.dbm = tenantdb.NewMemoryManager(cfg.TenantDBPrefix)
		}
	}

	if s.notifier == nil {
		if cfg.NotifyWebhookURL != "" {
			s.notifier = notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, s.logger)
			s.logger.Info("webhook notifications enabled")
		} else {
			s.notifier = notify.Nop{}
		}
	}

	s.queue = jobs.NewQueue(cfg.JobWorkers, s.logger)
	s.pipeline = provision.New(s.tenants, s.dbm, s.notifier, cfg.BaseDomain, s.logger)
	s.engine = quota.NewEngine(s.settings, s.dbm, quota.WithSettingsCache(cfg.PolicyCacheTTL))
	s.governor = ratelimit.NewGovernor(s.limits, s.tenants, ratelimit.WithConfigCache(cfg.PolicyCacheTTL))
	s.dispatcher = bulkops.NewDispatcher(s.tenants, s.warnings, s.queue, s.notifier, s.logger)
	s.purger = purge.New(s.tenants, s.dbm, s.notifier, purge.Options{
		Enabled:         cfg.Retention.Enabled,
		AutoPurge:       cfg.Retention.AutoPurge,
		Period:          cfg.Retention.Period,
		FailedMaxAge:    cfg.FailedTenantMaxAge,
		AbandonedMaxAge: cfg.AbandonedMaxAge,
	}, s.logger)
	s.purgeSweeper = purge.NewSweeper(s.purger, cfg.PurgeSweepInterval, s.logger)
	s.quotaSweeper = quota.NewSweeper(s.tenants, s.engine, s.warnings, s.notifier, cfg.QuotaSweepInterval, s.logger)

	s.checks = health.NewRegistry()
	s.checks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Healthy("database", "in-memory")
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Unhealthy("database", err.Error())
		}
		return health.Healthy("database", "connected")
	})
	s.checks.Register("job_queue", func(ctx context.Context) health.Status {
		return health.Healthy("job_queue", fmt.Sprintf("depth %d", s.queue.Depth()))
	})
	s.checks.Register("purge_sweeper", func(ctx context.Context) health.Status {
		return health.Healthy("purge_sweeper", runningDetail(s.purgeSweeper.Running()))
	})
	s.checks.Register("quota_sweeper", func(ctx context.Context) health.Status {
		return health.Healthy("quota_sweeper", runningDetail(s.quotaSweeper.Running()))
	})

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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

	// Baseline rate limiting for callers with no governor config
	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
		cfg.BurstSize = s.cfg.RateLimitRPM / 10
	}
	s.rateLimiter = ratelimit.New(cfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Per-tenant limits for proxied data-plane traffic
	s.router.Use(s.rateLimiter.TenantMiddleware(s.governor))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards the admin API with a shared secret header.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.Env == "production" {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "admin_disabled",
					"message": "ADMIN_SECRET is not configured",
				})
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	admin := s.router.Group("/admin/v1", s.adminAuthMiddleware())
	tenant.NewHandler(s.tenants, s.pipeline, s.queue).RegisterRoutes(admin)
	quota.NewHandler(s.engine, s.tenants, s.settings, s.warnings).RegisterRoutes(admin)
	ratelimit.NewHandler(s.limits, s.governor).RegisterRoutes(admin)
	bulkops.NewHandler(s.dispatcher).RegisterRoutes(admin)
	purge.NewHandler(s.purger).RegisterRoutes(admin)

	admin.GET("/tenants/:id/health", s.tenantHealthHandler)
	admin.POST("/tenants/:id/flush", s.tenantFlushHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"subsystems": statuses,
	})
}

func runningDetail(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
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

// tenantHealthHandler reports per-tenant diagnostics: record state, database
// existence, migration version, and connectivity.
func (s *Server) tenantHealthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	t, err := s.tenants.Get(ctx, id)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	out := gin.H{
		"tenant_id":     t.ID,
		"slug":          t.Slug,
		"status":        t.Status,
		"database_name": s.dbm.DatabaseName(t.ID),
	}

	exists, err := s.dbm.DatabaseExists(ctx, t.ID)
	if err != nil {
		out["database"] = "error"
		out["database_error"] = err.Error()
		c.JSON(http.StatusOK, out)
		return
	}
	if !exists {
		out["database"] = "missing"
		c.JSON(http.StatusOK, out)
		return
	}
	out["database"] = "present"

	if err := s.dbm.Ping(ctx, t.ID); err != nil {
		out["connectivity"] = "failed"
		out["connectivity_error"] = err.Error()
	} else {
		out["connectivity"] = "ok"
	}

	if version, err := s.dbm.MigrationVersion(ctx, t.ID); err != nil {
		out["migration_error"] = err.Error()
	} else {
		out["migration_version"] = version
	}

	c.JSON(http.StatusOK, out)
}

type flushRequest struct {
	Kinds []string `json:"kinds"`
	All   bool     `json:"all"`
}

func (s *Server) tenantFlushHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req flushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var kinds []tenantdb.FlushKind
	if req.All {
		kinds = tenantdb.AllFlushKinds
	} else {
		for _, raw := range req.Kinds {
			k := tenantdb.FlushKind(raw)
			valid := false
			for _, known := range tenantdb.AllFlushKinds {
				if k == known {
					valid = true
					break
				}
			}
			if !valid {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":   "invalid_flush_kind",
					"message": fmt.Sprintf("unknown flush kind %q", raw),
				})
				return
			}
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "no_flush_kinds",
			"message": "specify kinds or all",
		})
		return
	}

	if _, err := s.tenants.Get(ctx, id); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant_not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	if err := s.dbm.Flush(ctx, id, kinds); err != nil {
		if errors.Is(err, tenantdb.ErrDatabaseMissing) {
			c.JSON(http.StatusConflict, gin.H{"error": "database_missing", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush_failed", "message": err.Error()})
		return
	}
	s.engine.InvalidateSettings(id)
	s.governor.Invalidate(id)

	c.JSON(http.StatusOK, gin.H{"flushed": kinds})
}

// Run starts the server and blocks until shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.queue.Start(runCtx)
	go s.purgeSweeper.Start(runCtx)
	go s.quotaSweeper.Start(runCtx)

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.purgeSweeper.Stop()
	s.quotaSweeper.Stop()
	s.queue.Stop()
	s.rateLimiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// maskDSN hides credentials in a database URL for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	if strings.Contains(dsn, "password=") {
		return u.Scheme + "://" + u.Host + u.Path
	}
	return u.Redacted()
}

// Package server wires the risk pipeline into an HTTP API.
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

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/bruteforce"
	"github.com/mbd888/riskgate/internal/circuitbreaker"
	"github.com/mbd888/riskgate/internal/config"
	"github.com/mbd888/riskgate/internal/fraud"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/health"
	"github.com/mbd888/riskgate/internal/identity"
	"github.com/mbd888/riskgate/internal/ipcheck"
	"github.com/mbd888/riskgate/internal/jit"
	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/limits"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/policy"
	"github.com/mbd888/riskgate/internal/ratelimit"
	"github.com/mbd888/riskgate/internal/realtime"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/security"
	"github.com/mbd888/riskgate/internal/session"
	"github.com/mbd888/riskgate/internal/traces"
	"github.com/mbd888/riskgate/internal/transfer"
	"github.com/mbd888/riskgate/internal/validation"
	"github.com/mbd888/riskgate/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if counters are in-process

	identities identity.Store
	sessions   session.Store
	ledger     ledger.Store
	auditStore audit.Store
	policies   policy.Store
	hooks      webhooks.Store

	recorder    *audit.Recorder
	signals     *audit.SignalView
	compliance  *audit.ComplianceView
	ips         *ipcheck.Checker
	scorer      *risk.Scorer
	gate        *gate.Gate
	fraud       *fraud.Detector
	limits      *limits.Enforcer
	transfers   *transfer.Orchestrator
	resolver    *policy.Resolver
	authMgr     *auth.Manager
	jit         *jit.Service
	bruteforce  *bruteforce.Guard
	counter     ratelimit.Counter
	breaker     *circuitbreaker.Breaker
	rateLimiter *ratelimit.Limiter
	realtimeHub *realtime.Hub
	alerts      *webhooks.Dispatcher
	health      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
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

// WithRedis supplies a Redis client for shared rate-limit counters,
// overriding REDIS_URL.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initCounters(); err != nil {
		return nil, err
	}
	if err := s.initPipeline(); err != nil {
		return nil, err
	}
	s.initHealth()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initStorage selects Postgres when DATABASE_URL is set, otherwise in-memory
// stores.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.identities = identity.NewMemoryStore()
		s.sessions = session.NewMemoryStore()
		s.ledger = ledger.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.policies = policy.NewMemoryStore()
		s.hooks = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.identities = identity.NewPostgresStore(db)
	s.sessions = session.NewPostgresStore(db)
	s.ledger = ledger.NewPostgresStore(db)
	s.auditStore = audit.NewPostgresStore(db)
	s.policies = policy.NewPostgresStore(db)
	s.hooks = webhooks.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initCounters builds the windowed rate-limit counter. With Redis the
// counter degrades to in-process counting while Redis is unreachable.
func (s *Server) initCounters() error {
	local := ratelimit.NewMemoryCounter()
	if s.redis == nil && s.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
	}
	if s.redis == nil {
		s.counter = local
		return nil
	}
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.counter = ratelimit.NewFallbackCounter("redis", ratelimit.NewRedisCounter(s.redis, ""), local, s.breaker)
	s.logger.Info("using Redis rate-limit counters")
	return nil
}

func (s *Server) initPipeline() error {
	cfg := s.cfg

	ips, err := ipcheck.NewChecker(ipcheck.Lists{
		Trusted:     cfg.TrustedIPs,
		Blacklisted: cfg.BlacklistedIPs,
		Whitelisted: cfg.WhitelistedIPs,
	})
	if err != nil {
		return fmt.Errorf("ip lists: %w", err)
	}
	s.ips = ips

	fraudBlock, err := fraud.ParseLevel(cfg.FraudBlockLevel)
	if err != nil {
		return err
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.alerts = webhooks.NewDispatcher(s.hooks, s.logger)
	s.recorder = audit.NewRecorder(s.auditStore).
		WithSink(s.realtimeHub).
		WithSink(s.alerts)
	s.signals = audit.NewSignalView(s.auditStore)
	s.compliance = audit.NewComplianceView(s.auditStore)

	s.scorer = risk.NewScorer(s.signals, s.sessions, s.recorder).
		WithBlockThreshold(cfg.RiskBlockThreshold).
		WithReviewThreshold(cfg.RiskReviewThreshold)
	s.gate = gate.New(s.ips, s.scorer, s.sessions, s.recorder)

	s.fraud = fraud.NewDetector(s.ledger)
	s.limits = limits.NewEnforcer(s.ledger, limits.Limits{
		SingleTransaction:     cfg.LimitSingleTransaction,
		Daily:                 cfg.LimitDaily,
		Monthly:               cfg.LimitMonthly,
		MaxTransactionsPerDay: cfg.MaxTransfersPerDay,
	})
	s.transfers = transfer.NewOrchestrator(s.ledger, s.limits, s.fraud, s.recorder).
		WithFraudBlockLevel(fraudBlock).
		WithHighValueReview(cfg.HighValueReviewAmount)

	s.resolver = policy.NewResolver(s.policies)
	s.authMgr = auth.NewManager(s.sessions, s.identities, s.recorder)
	s.jit = jit.NewService(s.recorder)
	s.bruteforce = bruteforce.NewGuard(s.signals, s.recorder, bruteforce.Config{
		MaxAttempts:   cfg.BruteforceMaxAttempts,
		Window:        cfg.BruteforceWindow,
		BlockDuration: cfg.BruteforceBlockDuration,
	})
	return nil
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("postgres", health.Ping(s.db))
	}
	if s.redis != nil {
		client := s.redis
		s.health.Register("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	store := s.auditStore
	s.health.Register("audit", func(ctx context.Context) error {
		_, err := store.List(ctx, audit.Query{Limit: 1})
		return err
	})
}

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
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP token bucket absorbs bursts before any storage is touched.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(traces.Middleware())
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

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

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

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

// maintenanceInterval paces session cleanup and policy cache sweeps.
const maintenanceInterval = time.Minute

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.alerts.Run(runCtx)
	go s.maintain(runCtx)
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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// maintain periodically drops expired sessions and stale policy cache entries.
func (s *Server) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.sessions.DeleteExpired(ctx, now)
			if err != nil {
				s.logger.Warn("session cleanup failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired sessions removed", "count", n)
			}
			s.resolver.SweepCache()
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.healthy.Store(false)
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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/ingest"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/notify"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/realtime"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/stream"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/validation"
	"github.com/mbd888/fraudwatch/migrations"
)

const serviceName = "fraudwatch"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       fraud.Store
	engine      *fraud.Engine
	lanes       *fraud.Lanes
	dispatcher  *notify.Dispatcher
	publishers  []notify.Publisher
	realtimeHub *realtime.Hub
	consumer    *stream.Consumer
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB       // nil unless DATABASE_URL is set
	mongo       *mongo.Client // nil unless MONGO_URI is set
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // stops the hub and stats collector
	cancelConsumer context.CancelFunc
	consumerDone   sync.WaitGroup
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

// WithStore uses the given store instead of the one DATABASE_URL/MONGO_URI select (for testing)
func WithStore(store fraud.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithPublishers adds flag sinks next to the configured Kafka/Redis ones
func WithPublishers(p ...notify.Publisher) Option {
	return func(s *Server) {
		s.publishers = append(s.publishers, p...)
	}
}

// New creates a new server instance: it opens the store, rebuilds window
// state from it and wires the detection pipeline behind the HTTP routes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	if cfg.IsProduction() {
		s.drainDelay = 5 * time.Second
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Version:     cfg.Version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.openPublishers(); err != nil {
		s.closeStores()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	s.dispatcher = notify.NewDispatcher(
		notify.WithPublishers(s.publishers...),
		notify.WithLocal(s.realtimeHub),
		notify.WithLogger(s.logger),
	)

	s.engine = fraud.NewEngine(s.store,
		fraud.WithLogger(s.logger),
		fraud.WithRuleConfig(rules, fraud.ResetScope(cfg.DailyResetScope)),
		fraud.WithNotifier(s.dispatcher),
	)

	// Window state must be rebuilt before the first new transaction.
	if cfg.RecoveryLookback > 0 {
		if _, err := s.engine.Recover(ctx, cfg.RecoveryLookback); err != nil {
			_ = s.dispatcher.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to recover window state: %w", err)
		}
	}

	s.lanes = fraud.NewLanes(s.engine, cfg.Lanes, cfg.LaneBuffer, s.logger)

	if cfg.KafkaBroker != "" {
		consumer, err := stream.NewConsumer(stream.Config{
			Broker:  cfg.KafkaBroker,
			Topic:   cfg.KafkaIngestTopic,
			GroupID: cfg.KafkaGroupID,
		}, s.lanes, s.logger)
		if err != nil {
			s.lanes.Close()
			_ = s.dispatcher.Close()
			s.closeStores()
			return nil, err
		}
		s.consumer = consumer
		s.logger.Info("kafka ingestion enabled", "topic", cfg.KafkaIngestTopic)
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

// openStore selects PostgreSQL, then MongoDB, then the in-memory store.
func (s *Server) openStore(ctx context.Context) error {
	cfg := s.cfg
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.MaxOpenConns())
		db.SetMaxIdleConns(cfg.DatabasePoolSize)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := s.waitFor(ctx, "postgres", db.PingContext); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return err
		}

		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}

		pg := fraud.NewPostgresStore(db)
		s.db = db
		s.store = pg
		s.checks.Register("postgres", health.PingCheck("postgres", pg))
		s.logger.Info("using PostgreSQL storage", "url", cfg.DatabaseURL)

	case cfg.MongoURI != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("failed to connect to mongodb: %w", err)
		}

		ms := fraud.NewMongoStore(client, cfg.MongoDatabase)
		if err := s.waitFor(ctx, "mongodb", ms.Ping); err != nil {
			_ = client.Disconnect(ctx)
			return fmt.Errorf("failed to reach mongodb: %w", err)
		}
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return fmt.Errorf("failed to create mongodb indexes: %w", err)
		}

		s.mongo = client
		s.store = ms
		s.checks.Register("mongodb", health.PingCheck("mongodb", ms))
		s.logger.Info("using MongoDB storage", "database", cfg.MongoDatabase)

	default:
		s.store = fraud.NewMemoryStore()
		s.logger.Warn("using in-memory storage; data is lost on restart")
	}
	return nil
}

// waitFor pings a dependency under the startup retry policy, so a database
// that is still starting does not fail the whole process.
func (s *Server) waitFor(ctx context.Context, name string, ping func(context.Context) error) error {
	policy := retry.Startup
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("dependency not ready", "dependency", name, "attempt", attempt, "retry_in", wait, "error", err)
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return ping(pingCtx)
	})
}

// openPublishers creates the configured flag sinks.
func (s *Server) openPublishers() error {
	if s.cfg.KafkaBroker != "" {
		kp, err := notify.NewKafkaPublisher(s.cfg.KafkaBroker, s.cfg.KafkaFlagTopic)
		if err != nil {
			return err
		}
		s.publishers = append(s.publishers, kp)
		s.logger.Info("kafka flag publishing enabled", "topic", s.cfg.KafkaFlagTopic)
	}
	if s.cfg.RedisAddr != "" {
		rp := notify.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr}), s.cfg.RedisChannel)
		s.publishers = append(s.publishers, rp)
		s.checks.Register("redis", health.PingCheck("redis", rp))
		s.logger.Info("redis flag publishing enabled", "channel", s.cfg.RedisChannel)
	}
	return nil
}

func (s *Server) closeStores() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongodb disconnect error", "error", err)
		}
	}
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.RequestID()
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.rootHandler)

	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Live flag stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group(s.cfg.APIPrefix)
	api.Use(validation.RequestSizeMiddleware(s.cfg.MaxUploadBytes))
	api.Use(validation.IDParamMiddleware("id"))
	fraud.NewHandler(s.lanes, s.store, ingest.FileDecoder{}).RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                          `json:"status"`
	Version   string                          `json:"version"`
	Checks    map[string]string               `json:"checks,omitempty"`
	Realtime  map[string]any                  `json:"realtime,omitempty"`
	Sinks     map[string]circuitbreaker.State `json:"sinks,omitempty"`
	Timestamp string                          `json:"timestamp"`
}

func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": s.cfg.ProjectName + " API"})
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.cfg.Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Sinks:     s.dispatcher.SinkStates(),
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

// Run starts the HTTP server and background workers, and blocks until ctx is
// cancelled or a listener or consumer fails. It then shuts down.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // large uploads are processed before responding
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"api_prefix", s.cfg.APIPrefix,
			"lanes", s.lanes.Len(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.consumer != nil {
		consumerCtx, stop := context.WithCancel(ctx)
		s.cancelConsumer = stop
		s.consumerDone.Add(1)
		go func() {
			defer s.consumerDone.Done()
			if err := s.consumer.Run(consumerCtx); err != nil {
				errChan <- err
			}
		}()
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(ctx))
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops intake first and sinks last: HTTP and the Kafka consumer,
// then the lanes (draining queued transactions), then the notification
// dispatcher, then the hub, stores and tracer.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.cancelConsumer != nil {
		s.cancelConsumer()
		s.consumerDone.Wait()
	}

	s.lanes.Close()
	s.logger.Info("processing lanes drained")

	if err := s.dispatcher.Close(); err != nil && !errors.Is(err, notify.ErrDispatcherClosed) {
		s.logger.Error("notification sinks close error", "error", err)
		errs = append(errs, err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.closeStores()

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the detection engine.
func (s *Server) Engine() *fraud.Engine {
	return s.engine
}

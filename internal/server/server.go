// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegisfin/aegis/internal/auditchain"
	"github.com/aegisfin/aegis/internal/config"
	"github.com/aegisfin/aegis/internal/health"
	"github.com/aegisfin/aegis/internal/idgen"
	"github.com/aegisfin/aegis/internal/ingest"
	"github.com/aegisfin/aegis/internal/logging"
	"github.com/aegisfin/aegis/internal/metrics"
	"github.com/aegisfin/aegis/internal/pagination"
	"github.com/aegisfin/aegis/internal/ratelimit"
	"github.com/aegisfin/aegis/internal/realtime"
	"github.com/aegisfin/aegis/internal/security"
	"github.com/aegisfin/aegis/internal/traces"
	"github.com/aegisfin/aegis/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	gateway     *ingest.Gateway
	ledger      *auditchain.Ledger
	realtimeHub *realtime.Hub
	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithHealthRegistry sets the subsystem health registry
func WithHealthRegistry(reg *health.Registry) Option {
	return func(s *Server) {
		s.healthReg = reg
	}
}

// New creates a new server instance. The pipeline components are built by
// the caller; the server only exposes them over HTTP.
func New(cfg *config.Config, gateway *ingest.Gateway, ledger *auditchain.Ledger, hub *realtime.Hub, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		gateway:     gateway,
		ledger:      ledger,
		realtimeHub: hub,
		logger:      logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.healthReg == nil {
		s.healthReg = health.NewRegistry()
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)

	return s
}

// MaskDSN hides the password in a connection string for logging
func MaskDSN(dsn string) string {
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = idgen.WithPrefix("req")
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

	// WebSocket for real-time decision streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.POST("/ingest", s.ingestHandler)
	v1.GET("/audit/tip", s.auditTipHandler)
	v1.GET("/audit/verify", s.auditVerifyHandler)
	v1.GET("/audit/records", s.auditRecordsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

type ingestRequest struct {
	EntityID       string  `json:"entity_id"`
	Amount         string  `json:"amount"`
	TransactionRef string  `json:"transaction_ref"`
	Timestamp      float64 `json:"timestamp"`
}

func (s *Server) ingestHandler(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "ingest.submit")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body must be a JSON transaction event",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("entity_id", req.EntityID),
		validation.ValidEntityID("entity_id", req.EntityID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("transaction_ref", req.TransactionRef, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	span.SetAttributes(traces.EntityMasked(ingest.Mask(req.EntityID)))

	// Re-encode the validated request so the pipeline never sees fields
	// the API does not define.
	raw, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := s.gateway.Enqueue(raw); err != nil {
		if errors.Is(err, ingest.ErrBufferFull) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "backpressure",
				"message": "ingestion buffer full, retry later",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "accepted",
		"request_id":   logging.RequestID(c.Request.Context()),
		"buffer_depth": s.gateway.BufferDepth(),
	})
}

func (s *Server) auditTipHandler(c *gin.Context) {
	tip, err := s.ledger.Tip(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tip_unavailable"})
		return
	}
	c.JSON(http.StatusOK, tip)
}

func (s *Server) auditVerifyHandler(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "audit.verify")
	defer span.End()

	ok, broken, err := s.ledger.VerifyIntegrity(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_failed"})
		return
	}

	tip, _ := s.ledger.Tip(ctx)
	span.SetAttributes(traces.ChainHeight(tip.Height))

	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"valid":         false,
			"broken_height": broken,
			"height":        tip.Height,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":  true,
		"height": tip.Height,
	})
}

func (s *Server) auditRecordsHandler(c *gin.Context) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}

	records, err := s.ledger.Records(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "records_unavailable"})
		return
	}

	// Records are ascending by height; the cursor is the last height seen.
	for len(records) > 0 && records[0].Height <= after {
		records = records[1:]
	}
	page, next, more := pagination.ComputePage(records, limit,
		func(r *auditchain.Record) int64 { return r.Height })

	c.JSON(http.StatusOK, gin.H{
		"count":       len(page),
		"records":     page,
		"next_cursor": next,
		"has_more":    more,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Aegis",
		"description": "Transaction risk pipeline with tamper-evident audit ledger",
		"version":     "0.1.0",
		"node_id":     s.cfg.NodeID,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, blocking until a
// shutdown signal or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port, "node_id", s.cfg.NodeID)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start the ingest consumer loop
	gatewayDone := make(chan struct{})
	go func() {
		s.gateway.Run(runCtx)
		close(gatewayDone)
	}()

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

	return s.shutdown(gatewayDone)
}

// shutdown gracefully stops the server: first the HTTP listener (no new
// events), then the background loops, which drain buffered work.
func (s *Server) shutdown(gatewayDone chan struct{}) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the hub and the gateway; the gateway drains its buffer.
	if s.cancelRun != nil {
		s.cancelRun()
	}
	select {
	case <-gatewayDone:
		s.logger.Info("ingest gateway drained")
	case <-time.After(30 * time.Second):
		s.logger.Error("ingest gateway did not drain in time")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package http exposes the engine over a JSON API: event ingestion, progress
// and unlock reads, search re-ranking, definition reloads and health.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/infrastructure/definitions"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// RequestTimeout bounds the work done for one request.
	RequestTimeout time.Duration

	// MaxBatchSize caps the events accepted by one ingest call.
	MaxBatchSize int

	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		RequestTimeout: 10 * time.Second,
		MaxBatchSize:   500,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// EventIngester validates and enqueues events.
type EventIngester interface {
	Handle(ctx context.Context, cmd command.IngestEventsCommand) (*command.IngestEventsResult, error)
}

// ProgressReader returns a user's progress read model.
type ProgressReader interface {
	Handle(ctx context.Context, q query.GetProgressQuery) (*query.ProgressDTO, error)
}

// UnlockReader returns a user's unlocks.
type UnlockReader interface {
	Handle(ctx context.Context, q query.GetUnlocksQuery) (*query.UnlocksDTO, error)
}

// RankingAdjuster re-orders search candidates.
type RankingAdjuster interface {
	Handle(ctx context.Context, q query.AdjustRankingQuery) (*query.AdjustRankingResult, error)
}

// FeatureGate answers rollout questions.
type FeatureGate interface {
	IsEnabled(feature, userID string) bool
}

// Dependencies contains all dependencies required by HTTP handlers.
// Nil handlers leave their routes answering 503.
type Dependencies struct {
	Ingest   EventIngester
	Progress ProgressReader
	Unlocks  UnlockReader
	Ranking  RankingAdjuster
	Reloader definitions.Reloader

	Health   *HealthChecker
	Features FeatureGate
	Logger   *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Health == nil {
		deps.Health = NewHealthChecker(config.Version)
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger.With(logger.Component("http")),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	s.engine.Use(
		requestContext(s.logger),
		recovery(s.logger),
		requestLogger(s.logger),
		requestTimeout(s.config.RequestTimeout),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// Health
	// ─────────────────────────────────────────────────────────────────────────
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/healthz", s.handleHealth)

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	v1 := s.engine.Group("/v1")
	v1.POST("/events", s.handleIngestEvents)
	v1.GET("/users/:userId/progress", s.handleGetProgress)
	v1.GET("/users/:userId/unlocks", s.handleGetUnlocks)
	v1.POST("/search/adjust", s.handleAdjustRanking)
	v1.POST("/admin/reload", s.handleReload)

	s.engine.NoRoute(func(c *gin.Context) {
		writeJSONError(c, http.StatusNotFound, "not_found", "route not found")
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope of every API response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func newMeta() *ResponseMeta {
	return &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"}
}

func writeJSON(c *gin.Context, status int, data any) {
	c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      newMeta(),
		RequestID: c.GetString(requestIDKey),
	})
}

func writeJSONError(c *gin.Context, status int, code, message string) {
	writeJSONErrorWithData(c, status, code, message, nil)
}

func writeJSONErrorWithData(c *gin.Context, status int, code, message string, data any) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success:   false,
		Data:      data,
		Error:     &APIError{Code: code, Message: message},
		Meta:      newMeta(),
		RequestID: c.GetString(requestIDKey),
	})
}

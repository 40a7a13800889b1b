package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renkulab/kg-pipeline/internal/api/middleware"
	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/statuschange"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

type (
	// Dependencies carries the runtime collaborators of the server. Kept apart
	// from ServerConfig so configuration stays plain data.
	Dependencies struct {
		Conn           *storage.Connection
		EventStore     *storage.EventStore
		Registry       *dispatch.Registry
		StatusChanges  *statuschange.Handler
		MigrationStore *storage.MigrationStore
		// MetricsHandler serves GET /metrics. Nil disables the endpoint.
		MetricsHandler http.Handler
		// RateLimiter may be nil to disable rate limiting.
		RateLimiter middleware.RateLimiter
	}

	// Server is the event-log HTTP server.
	Server struct {
		httpServer     *http.Server
		logger         *slog.Logger
		config         *ServerConfig
		startTime      time.Time
		conn           *storage.Connection
		eventStore     *storage.EventStore
		registry       *dispatch.Registry
		statusChanges  *statuschange.Handler
		migrationStore *storage.MigrationStore
		metricsHandler http.Handler
		rateLimiter    middleware.RateLimiter
	}
)

// NewServer creates the HTTP server with its middleware stack and routes.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	server := &Server{
		logger:         logger,
		config:         cfg,
		conn:           deps.Conn,
		eventStore:     deps.EventStore,
		registry:       deps.Registry,
		statusChanges:  deps.StatusChanges,
		migrationStore: deps.MigrationStore,
		metricsHandler: metricsHandler,
		rateLimiter:    deps.RateLimiter,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.RateLimiter == nil {
		logger.Warn("RateLimiter not configured, rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID so every response carries one
	//   2. Recovery catches panics in all downstream handlers
	//   3. RateLimit blocks requests before expensive operations
	//   4. RequestLogger logs only requests that passed the limiter
	//   5. CORS header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown. It handles graceful
// shutdown on SIGINT and SIGTERM.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting event log API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully drains in-flight requests and releases resources.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the rate limiter's background cleanup goroutine.
	if limiter, ok := s.rateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed")

	return nil
}

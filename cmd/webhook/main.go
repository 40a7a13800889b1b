// Package main provides the webhook ingress service.
//
// The webhook service accepts Forge push notifications, validates the
// encrypted hook token, and forwards commit sync requests to the event log.
// When a Kafka topic is configured it additionally consumes push messages
// from the Forge's message broker.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renkulab/kg-pipeline/internal/api/middleware"
	"github.com/renkulab/kg-pipeline/internal/config"
	"github.com/renkulab/kg-pipeline/internal/webhook"
)

// Version information.
const (
	version = "2.44.0"
	name    = "webhook"
)

const (
	defaultPort     = "9006"
	shutdownTimeout = 30 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := webhook.LoadConfig()
	if err != nil {
		logger.Error("Invalid webhook configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	crypto, err := webhook.NewTokenCrypto(cfg.HookTokenSecret)
	if err != nil {
		logger.Error("Failed to initialize token crypto", slog.String("error", err.Error()))
		os.Exit(1)
	}

	publisher := webhook.NewPublisher(cfg.EventLogURL, logger)
	handler := webhook.NewHandler(crypto, publisher, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	mux.HandleFunc("POST /webhooks/events", handler.HookEvent)
	mux.HandleFunc("POST /projects/{id}/webhooks", handler.CreateToken)

	middlewareConfig := middleware.LoadConfig()

	var rateLimiter middleware.RateLimiter

	if middlewareConfig.Enabled {
		rateLimiter = middleware.NewInMemoryRateLimiter(middlewareConfig)
	} else {
		logger.Warn("Rate limiting disabled")
	}

	chained := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.KafkaEnabled() {
		consumer := webhook.NewConsumer(cfg.KafkaBrokers, cfg.ForgePushTopic, publisher, logger)

		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("Forge push consumer stopped", slog.String("error", err.Error()))
			}
		}()

		logger.Info("Forge push consumer enabled", slog.String("topic", cfg.ForgePushTopic))
	} else {
		logger.Warn("FORGE_PUSH_TOPIC not set, Kafka consumer disabled")
	}

	server := &http.Server{
		Addr:         ":" + config.GetEnvStr("WEBHOOK_SERVER_PORT", defaultPort),
		Handler:      chained,
		ReadTimeout:  shutdownTimeout,
		WriteTimeout: shutdownTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Starting webhook service",
			slog.String("service", name),
			slog.String("version", version),
			slog.String("address", server.Addr),
		)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	case sig := <-stop:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if limiter, ok := rateLimiter.(io.Closer); ok {
		_ = limiter.Close()
	}

	logger.Info("Webhook service stopped")
}

// Package main provides the knowledge-graph event log service.
//
// The event log is the persistent backbone of the pipeline: it records one
// event per Forge commit, walks each event through the triples generation and
// transformation phases, and hands work to subscribed workers over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/renkulab/kg-pipeline/internal/api"
	"github.com/renkulab/kg-pipeline/internal/api/middleware"
	"github.com/renkulab/kg-pipeline/internal/config"
	"github.com/renkulab/kg-pipeline/internal/dispatch"
	"github.com/renkulab/kg-pipeline/internal/metrics"
	"github.com/renkulab/kg-pipeline/internal/producers"
	"github.com/renkulab/kg-pipeline/internal/statuschange"
	"github.com/renkulab/kg-pipeline/internal/storage"
)

// Version information.
const (
	version = "2.44.0"
	name    = "event-log"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting event log service",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("address", serverConfig.Address()),
	)

	middlewareConfig := middleware.LoadConfig()

	var rateLimiter middleware.RateLimiter

	if middlewareConfig.Enabled {
		rateLimiter = middleware.NewInMemoryRateLimiter(middlewareConfig)

		logger.Info("Rate limiter initialized",
			slog.Int("global_rps", middlewareConfig.GlobalRPS),
			slog.Int("client_rps", middlewareConfig.ClientRPS),
		)
	} else {
		logger.Warn("Rate limiting disabled")
	}

	storageConfig := storage.LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("max_idle_conns", storageConfig.MaxIdleConns),
	)

	eventStore, err := storage.NewEventStore(conn)
	if err != nil {
		exitOnInitError(logger, conn, "event store", err)
	}

	deliveryStore, err := storage.NewDeliveryStore(conn)
	if err != nil {
		exitOnInitError(logger, conn, "delivery store", err)
	}

	subscriberStore, err := storage.NewSubscriberStore(conn)
	if err != nil {
		exitOnInitError(logger, conn, "subscriber store", err)
	}

	migrationStore, err := storage.NewMigrationStore(conn)
	if err != nil {
		exitOnInitError(logger, conn, "migration store", err)
	}

	acceptedVersion := config.GetEnvStr("EVENT_LOG_SERVICE_VERSION", "")
	registry := dispatch.NewRegistry(subscriberStore, migrationStore, acceptedVersion, logger)

	sender := dispatch.NewSender()
	dispatcher := dispatch.NewDispatcher(registry, deliveryStore, eventStore, sender, logger)

	tuning := producers.LoadTuning(config.GetEnvStr("PRODUCERS_TUNING_PATH", ""), logger)
	fabric := producers.NewFabric(eventStore, migrationStore, registry, dispatcher, sender, tuning, logger)

	collector := metrics.NewCollector(eventStore, logger)

	go fabric.Run(ctx)

	go func() {
		if err := collector.Run(ctx); err != nil {
			logger.Error("Metrics collector stopped", slog.String("error", err.Error()))
		}
	}()

	server := api.NewServer(serverConfig, api.Dependencies{
		Conn:           conn,
		EventStore:     eventStore,
		Registry:       registry,
		StatusChanges:  statuschange.NewHandler(eventStore, deliveryStore, logger),
		MigrationStore: migrationStore,
		MetricsHandler: collector.Handler(),
		RateLimiter:    rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}

	cancel()
	logger.Info("Event log service stopped")
}

func exitOnInitError(logger *slog.Logger, conn *storage.Connection, component string, err error) {
	logger.Error("Failed to initialize "+component, slog.String("error", err.Error()))

	_ = conn.Close()
	os.Exit(1)
}

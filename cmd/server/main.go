// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

// Package main is the entry point for the Pelorus server.
//
// Pelorus ingests live position reports for vessels and aircraft from
// multiple websocket feeds, normalizes them into a common report shape,
// fuses concurrent observations of the same object into a single best
// estimate per time window, and persists the fused track durably while
// publishing it to a JetStream bus for downstream consumers.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, config file, and
//     environment variables (Koanf v2)
//  2. Database: DuckDB store for fused positions and DLQ entries
//  3. NATS (optional): embedded or external JetStream for the position bus
//  4. Quality tracker: per-source trust weights with demotion and cooldown
//  5. Fusion selector: windowed candidate scoring and winner selection
//  6. Write path: persistence gateway with circuit breakers, batch writer,
//     dead letter queue, and retry sweeper
//  7. Ingest: one connector per enabled source, merged into one stream
//  8. Admin HTTP server: health, status, positions, and DLQ endpoints
//
// All long-running components run under a suture supervisor tree and are
// restarted on failure. A connector that exhausts its reconnection budget
// is parked rather than restarted, and its state is visible via /api/v1/status.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables with the PELORUS_ prefix, then
// config.yaml, then built-in defaults. Sources are configured as a list;
// an empty list means nothing is ingested.
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: connectors stop,
// open fusion windows are drained, the batch writer flushes its remainder,
// and the bus and database are closed in that order.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pelorus-nav/pelorus/internal/api"
	"github.com/pelorus-nav/pelorus/internal/breaker"
	"github.com/pelorus-nav/pelorus/internal/bus"
	"github.com/pelorus-nav/pelorus/internal/config"
	"github.com/pelorus-nav/pelorus/internal/fusion"
	"github.com/pelorus-nav/pelorus/internal/gateway"
	"github.com/pelorus-nav/pelorus/internal/logging"
	"github.com/pelorus-nav/pelorus/internal/pipeline"
	"github.com/pelorus-nav/pelorus/internal/quality"
	"github.com/pelorus-nav/pelorus/internal/store"
	"github.com/pelorus-nav/pelorus/internal/stream"
	"github.com/pelorus-nav/pelorus/internal/supervisor"
	"github.com/pelorus-nav/pelorus/internal/supervisor/services"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("Starting Pelorus with supervisor tree")

	enabledSources := 0
	for _, src := range cfg.Sources {
		if src.Enabled {
			enabledSources++
		}
	}
	logging.Info().
		Int("sources", enabledSources).
		Str("db_path", cfg.Database.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Configuration loaded")
	if enabledSources == 0 {
		logging.Warn().Msg("No enabled sources configured, nothing will be ingested")
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS is optional. With it disabled, fused positions are still persisted
	// to DuckDB but nothing is published.
	var (
		embedded *bus.EmbeddedServer
		pub      *bus.Publisher
		natsConn *natsgo.Conn
	)
	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.EmbeddedServer {
			embedded, err = bus.NewEmbeddedServer(&cfg.NATS)
			if err != nil {
				logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
			}
			url = embedded.ClientURL()
			logging.Info().Str("url", url).Msg("Embedded NATS server ready")
		}

		natsConn, err = natsgo.Connect(url,
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
			natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
		)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		js, err := jetstream.New(natsConn)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create JetStream context")
		}
		if _, err := bus.EnsureStream(ctx, js, bus.DefaultStreamConfig(cfg.NATS.StreamName)); err != nil {
			logging.Fatal().Err(err).Msg("Failed to provision JetStream stream")
		}

		pub, err = bus.NewPublisher(&cfg.NATS, url)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create bus publisher")
		}
		logging.Info().Str("stream", cfg.NATS.StreamName).Msg("Position bus ready")
	} else {
		logging.Info().Msg("NATS disabled, fused positions will be persisted only")
	}

	tracker := quality.NewTracker(quality.Config{
		Floor:              cfg.Quality.WeightFloor,
		Ceiling:            cfg.Quality.WeightCeiling,
		ErrorRateThreshold: cfg.Quality.ErrorRateThreshold,
		DetectionWindow:    cfg.Quality.DemotionWindow,
		Cooldown:           cfg.Quality.Cooldown,
		MaxOutcomes:        cfg.Quality.OutcomeWindowSize,
	})
	for _, src := range cfg.Sources {
		if src.Enabled {
			tracker.Register(src.Name, src.BaselineWeight)
		}
	}

	selector := fusion.NewSelector(fusion.Config{
		WindowSize:         cfg.Fusion.WindowSize,
		AllowedLateness:    cfg.Fusion.AllowedLateness,
		RecencyHorizon:     cfg.Fusion.RecencyHorizon,
		RecencyWeight:      cfg.Fusion.RecencyWeight,
		TrustWeight:        cfg.Fusion.TrustWeight,
		PlausibilityWeight: cfg.Fusion.PlausibilityWeight,
		EmittedRetention:   fusion.DefaultConfig().EmittedRetention,
	}, tracker)

	var busPublisher gateway.Publisher
	if pub != nil {
		busPublisher = pub
	}
	gw := gateway.New(st, busPublisher, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	})

	entryStore := pipeline.NewDuckDBEntryStore(st.DB())
	queue, err := pipeline.NewQueue(cfg.DLQ, entryStore)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create dead letter queue")
	}

	writer, err := pipeline.NewWriter(cfg.Batch, gw, queue, tracker)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create batch writer")
	}

	var connectors []*stream.Connector
	var inputs []<-chan stream.Envelope
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		c := stream.NewConnector(src, cfg.Connector)
		connectors = append(connectors, c)
		inputs = append(inputs, c.Output())
		logging.Info().
			Str("source", src.Name).
			Str("class", src.Class).
			Str("url", src.URL).
			Float64("baseline_weight", src.BaselineWeight).
			Msg("Source connector configured")
	}
	merger := stream.NewMerger(inputs...)

	pipe, err := pipeline.NewPipeline(merger.Output(), selector, tracker, writer)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create ingestion pipeline")
	}

	sweeper := pipeline.NewSweeper(queue, gw, cfg.DLQ.SweepInterval)

	handler := api.NewHandler(st, tracker, queue, writer, gw)
	statusers := make([]api.ConnectorStatuser, 0, len(connectors))
	for _, c := range connectors {
		statusers = append(statusers, c)
	}
	handler.SetConnectors(statusers...)
	if cfg.NATS.Enabled {
		handler.SetBusHealth(func() bool {
			if embedded != nil && !embedded.IsRunning() {
				return false
			}
			return natsConn != nil && natsConn.IsConnected()
		})
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(&cfg.Server, handler),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	treeCfg := supervisor.DefaultTreeConfig()
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	for _, c := range connectors {
		tree.AddIngestService(services.NewConnectorService(c))
	}
	tree.AddIngestService(services.NewMergerService(merger))
	tree.AddProcessingService(services.NewPipelineService(pipe, writer))
	tree.AddProcessingService(services.NewSweeperService(sweeper))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, treeCfg.ShutdownTimeout))

	logging.Info().
		Str("addr", httpServer.Addr).
		Int("connectors", len(connectors)).
		Msg("Supervisor tree starting")

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}

	logging.Info().Msg("Shutting down")

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	if pub != nil {
		if err := pub.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus publisher")
		}
	}
	if natsConn != nil {
		natsConn.Close()
	}
	if embedded != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := embedded.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
		cancel()
	}

	logging.Info().Msg("Shutdown complete")
}

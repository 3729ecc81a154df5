// Package main provides the topicbus admin server: an HTTP API to publish
// messages, inspect and empty dead-letter queues, and check broker health.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/cmd/topicbus-server/internal/api"
	"github.com/coregx/topicbus/cmd/topicbus-server/internal/brokers"
	"github.com/coregx/topicbus/cmd/topicbus-server/internal/config"
)

const version = "0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	base := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "topicbus-server").
		Str("version", version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		base.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	logger := topicbus.NewZerologLogger(base)

	base.Info().
		Str("addr", cfg.Server.Addr()).
		Int("publications", len(cfg.Bus.Publications)).
		Int("subscriptions", len(cfg.Bus.Subscriptions)).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opened, err := brokers.Open(ctx, cfg.Bus.Connection.ConnectionString, cfg.Broker, logger)
	if err != nil {
		base.Fatal().Err(err).Msg("Failed to open broker")
	}
	defer func() {
		if closeErr := opened.Close(); closeErr != nil {
			base.Error().Err(closeErr).Msg("Failed to close database")
		}
	}()
	base.Info().Str("broker", opened.Kind).Msg("Broker connected")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var notificationService topicbus.NotificationService = &topicbus.NoOpNotificationService{}
	if cfg.Broker.EnableNotifications {
		notificationService = topicbus.NewLoggingNotificationService(logger)
	}

	bus, err := topicbus.New(*cfg.Bus,
		topicbus.WithBroker(opened.Broker),
		topicbus.WithLogger(logger),
		topicbus.WithMetrics(topicbus.NewPrometheusMetrics(registry)),
		topicbus.WithNotifications(notificationService),
		topicbus.WithReceiveWait(cfg.Broker.ReceiveWait),
	)
	if err != nil {
		base.Fatal().Err(err).Msg("Failed to create bus")
	}
	if err := bus.EnsureTopology(ctx); err != nil {
		base.Fatal().Err(err).Msg("Failed to provision topology")
	}

	handler := api.NewHandler(bus, logger)
	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(handler, api.RouterConfig{
			RateLimit: cfg.Server.RateLimit,
			Gatherer:  registry,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		base.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			base.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	base.Info().Msg("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		base.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		base.Error().Err(err).Msg("Bus did not stop cleanly")
	}

	base.Info().Msg("Server stopped gracefully")
}

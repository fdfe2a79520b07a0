package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/plushify/plushify-api/internal/config"
	"github.com/plushify/plushify-api/internal/pkg/database"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
	pkgresponse "github.com/plushify/plushify-api/internal/pkg/response"
	"github.com/plushify/plushify-api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		Service:     "generation-worker",
	})

	if cfg.EventBus == "" || cfg.EventBus == "memory" {
		log.Fatal().Msg("generation-worker needs a shared event bus (EVENT_BUS=redis or kafka); the in-memory bus runs inside the API")
	}

	log.Info().
		Str("event_bus", cfg.EventBus).
		Int("workers", cfg.PipelineWorkers).
		Int("user_concurrency", cfg.PipelineUserConcurrency).
		Msg("Starting generation-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Redis carries the per-user gate for every transport, and the stream
	// itself for the redis one.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			if cfg.EventBus == "redis" {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Warn().Err(err).Msg("Redis unavailable, falling back to a process local concurrency gate")
			rdb = nil
		} else {
			defer database.CloseRedis(rdb)
		}
	}

	blobs, err := worker.OpenBlobs(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create blob storage")
	}

	m := metrics.New()
	w := worker.New()

	bus, err := worker.OpenBus(cfg, rdb, m, w.DeadLetter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event bus")
	}
	defer bus.Close()

	if _, err := w.Register(worker.Deps{Config: cfg, DB: db, Redis: rdb, Blobs: blobs, Bus: bus, Metrics: m}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register consumers")
	}

	ops := chi.NewRouter()
	ops.Handle("/metrics", m.Handler())
	ops.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", metricsServer.Addr).Msg("Metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// Run returns once ctx is cancelled; unacknowledged jobs are picked up
	// by another consumer.
	if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Event bus stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info().Msg("generation-worker stopped")
}

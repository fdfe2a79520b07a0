package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/plushify/plushify-api/internal/config"
	"github.com/plushify/plushify-api/internal/domain/credit"
	"github.com/plushify/plushify-api/internal/domain/generation"
	"github.com/plushify/plushify-api/internal/domain/pipeline"
	"github.com/plushify/plushify-api/internal/domain/purchase"
	"github.com/plushify/plushify-api/internal/middleware"
	"github.com/plushify/plushify-api/internal/pkg/database"
	"github.com/plushify/plushify-api/internal/pkg/eventbus"
	"github.com/plushify/plushify-api/internal/pkg/jwt"
	"github.com/plushify/plushify-api/internal/pkg/logger"
	"github.com/plushify/plushify-api/internal/pkg/metrics"
	pkgresponse "github.com/plushify/plushify-api/internal/pkg/response"
	"github.com/plushify/plushify-api/internal/pkg/webhook"
	"github.com/plushify/plushify-api/internal/worker"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		Service:     "plushify-api",
	})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("event_bus", cfg.EventBus).
		Bool("in_process_worker", cfg.RunWorkerInProcess).
		Msg("Starting Plushify API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	var rdb *redis.Client
	if cfg.EventBus == "redis" {
		rdb, err = database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer database.CloseRedis(rdb)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RunWorkerInProcess {
		if _, err := w.Register(worker.Deps{Config: cfg, DB: db, Redis: rdb, Blobs: blobs, Bus: bus, Metrics: m}); err != nil {
			log.Fatal().Err(err).Msg("Failed to start in-process worker")
		}
		go func() {
			if err := bus.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Event bus stopped")
			}
		}()
	} else if cfg.EventBus == "" || cfg.EventBus == "memory" {
		log.Warn().Msg("In-memory event bus without in-process worker: jobs will not run")
	}

	// ---------- Repositories ----------
	ledger := credit.NewRepository(db)
	generationRepo := generation.NewRepository(db, ledger)
	purchaseRepo := purchase.NewRepository(db, ledger)

	// ---------- Services ----------
	creditService := credit.NewService(ledger, m)
	generationService := generation.NewService(generationRepo, ledger, blobs, bus, m, generation.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxProcessing:  cfg.PipelineUserConcurrency,
		StaleAfter:     cfg.StaleProcessingAfter,
	})
	purchaseService := purchase.NewService(purchaseRepo, bus, m)

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET is not set, payment webhooks will be rejected")
	}

	router := newRouter(routerDeps{
		jwt:            jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL),
		credits:        credit.NewHandler(creditService),
		generations:    generation.NewHandler(generationService),
		purchases:      purchase.NewHandler(purchaseService, webhook.NewVerifier(cfg.WebhookSecret)),
		admin:          pipeline.NewAdminHandler(generationRepo, pipeline.NewStepLog(db), bus),
		metrics:        m,
		allowedOrigins: cfg.AllowedOrigins,
		filesDir:       localFilesDir(cfg),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if mb, ok := bus.(*eventbus.MemoryBus); ok && cfg.RunWorkerInProcess {
		// let accepted jobs finish before the workers stop
		if err := mb.Drain(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("In-flight jobs abandoned at shutdown")
		}
	}
	cancel()
	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event bus")
	}

	log.Info().Msg("Server exited properly")
}

type routerDeps struct {
	jwt            *jwt.Service
	credits        *credit.Handler
	generations    *generation.Handler
	purchases      *purchase.Handler
	admin          *pipeline.AdminHandler
	metrics        *metrics.Metrics
	allowedOrigins []string
	// filesDir is served under /files for the local storage driver.
	filesDir string
}

func newRouter(d routerDeps) http.Handler {
	authMiddleware := middleware.Auth(d.jwt)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(d.allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})
	r.Handle("/metrics", d.metrics.Handler())

	if d.filesDir != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(d.filesDir))))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		credits := d.credits.Routes(authMiddleware)
		credits.Get("/", d.generations.Credits)
		r.Mount("/credits", credits)

		r.Mount("/generations", d.generations.Routes(authMiddleware))
		r.Mount("/purchases", d.purchases.Routes(authMiddleware))
		r.Get("/products", d.purchases.Products)
	})

	r.Mount("/webhooks", d.purchases.WebhookRoutes())

	r.Route("/api/admin", func(r chi.Router) {
		r.Mount("/credits", d.credits.AdminRoutes(authMiddleware))
		r.Mount("/generations", d.admin.Routes(authMiddleware))
	})

	return r
}

func localFilesDir(cfg *config.Config) string {
	if cfg.StorageDriver != "local" && cfg.StorageDriver != "" {
		return ""
	}
	if !strings.HasSuffix(strings.TrimSuffix(cfg.LocalStorageURL, "/"), "/files") {
		return ""
	}
	return cfg.LocalStoragePath
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/admitflow/admission-progress/internal/api"
	"github.com/admitflow/admission-progress/internal/bus"
	"github.com/admitflow/admission-progress/internal/config"
	"github.com/admitflow/admission-progress/internal/gateway"
	"github.com/admitflow/admission-progress/internal/limiter"
	"github.com/admitflow/admission-progress/internal/outbox"
	"github.com/admitflow/admission-progress/internal/store"
	"github.com/admitflow/admission-progress/internal/worker"
	"github.com/robfig/cron/v3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Rate limiter: fast Redis path, durable Postgres fallback, breaker in between.
	breaker := limiter.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, logger)
	fastLimiter := limiter.NewRedisLimiter(redisStore.Client(), logger)
	durableLimiter := limiter.NewPostgresLimiter(pgStore.Pool(), logger)
	rateLimiter := limiter.New(fastLimiter, durableLimiter, breaker, logger)
	go rateLimiter.StartProbe(ctx, cfg.ProbeInterval)

	// Message bus between the outbox drainer and the progress workers.
	eventBus := bus.NewRedisBus(redisStore.Client(), "admission_events", "progress_workers", logger)

	// Outbox drainer.
	drainer := outbox.NewDrainer(
		pgStore, eventBus, logger,
		cfg.DrainInterval, cfg.DrainBatchSize, cfg.OutboxMaxRetries, cfg.OutboxRetention,
	)
	go drainer.Start(ctx)

	// Push gateway.
	authenticator := gateway.NewJWTAuthenticator(cfg.JWTSecret)
	hub := gateway.NewHub(authenticator, logger)
	go hub.Run()

	// Progress workers consuming the bus.
	runner := worker.NewRunner(pgStore, hub, logger, worker.DefaultPhases())
	pool := worker.NewPool(cfg.NumWorkers, runner, logger)
	pool.Start(ctx)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := eventBus.Consume(ctx, pool.HandleBusMessage); err != nil && ctx.Err() == nil {
			logger.Error("bus consumer stopped", "error", err)
		}
	}()

	// Maintenance: outbox retention purge and rate-limit window sweep.
	maintenance := cron.New()
	maintenance.AddFunc("@every 10m", func() { drainer.PurgeOnce(ctx) })
	maintenance.AddFunc("@every 1m", func() {
		if _, err := durableLimiter.SweepExpired(ctx); err != nil {
			logger.Error("rate limit window sweep failed", "error", err)
		}
	})
	maintenance.Start()
	defer maintenance.Stop()

	// HTTP surface.
	router := api.NewRouter(api.RouterConfig{
		Stores:          pgStore,
		Limiter:         rateLimiter,
		Breaker:         rateLimiter,
		Hub:             hub,
		SubmitRateLimit: cfg.SubmitRateLimit,
		SubmitWindowSec: cfg.SubmitRateWindowSecs,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// The consumer must drain before the pool closes its task channel,
	// otherwise an in-flight batch could submit to a stopped pool.
	cancel()
	<-consumerDone
	pool.Stop()

	logger.Info("server stopped")
}

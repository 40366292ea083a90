package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/batch"
	"github.com/stevemoraco/Kull-sub004/internal/cache"
	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/database"
	"github.com/stevemoraco/Kull-sub004/internal/handlers"
	"github.com/stevemoraco/Kull-sub004/internal/jobs"
	"github.com/stevemoraco/Kull-sub004/internal/log"
	"github.com/stevemoraco/Kull-sub004/internal/rating"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
	"github.com/stevemoraco/Kull-sub004/internal/salesguard"
	"github.com/stevemoraco/Kull-sub004/internal/server"
	"github.com/stevemoraco/Kull-sub004/internal/service"
	"github.com/stevemoraco/Kull-sub004/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.Connect(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	prometheus.MustRegister(database.NewPoolCollector(dbPool, cfg.Postgres.ApplicationName))

	redisClient, err := cache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBuckets(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure buckets failed")
	}

	clients, err := rating.NewClientsFromConfig(ctx, cfg.Providers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init provider clients")
	}

	jobRepo := repository.NewBatchRepository(dbPool)
	ledgerRepo := repository.NewLedgerRepository(dbPool)
	deviceRepo := repository.NewDeviceRepository(dbPool)
	userRepo := repository.NewUserRepository(dbPool)

	hub := realtime.NewHub(logger)
	relay := realtime.NewRedisRelay(redisClient, realtime.DefaultRelayChannel, logger)
	go func() {
		if err := relay.Forward(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("sync relay stopped")
		}
	}()

	credits := service.NewCreditService(ledgerRepo, relay, logger)
	control := batch.NewControlBus(redisClient, batch.DefaultControlChannel, logger)

	var (
		runner     *batch.Runner
		dispatcher batch.Dispatcher
	)
	if cfg.Batch.InProcess {
		runner = batch.NewRunner(jobRepo, objectStore, clients, credits, relay, cfg.Batch, logger)
		dispatcher = runner
		go func() {
			if err := control.Listen(ctx, runner); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("batch control listener stopped")
			}
		}()
	} else {
		dispatcher = batch.NewStreamQueue(redisClient, cfg.Worker.Stream)
	}

	batchService := batch.NewService(jobRepo, objectStore, clients, credits, dispatcher, control, relay, cfg.Batch, logger)
	devices := service.NewDeviceService(deviceRepo, userRepo, cache.NewPairingCodes(redisClient), relay, cfg.Security, logger)

	handlerSet := handlers.NewHandlerSet(logger, handlers.Deps{
		Config:      cfg,
		Batch:       batchService,
		Credits:     credits,
		Devices:     devices,
		Users:       userRepo,
		UserAdmin:   userRepo,
		JobStats:    jobRepo,
		Debits:      ledgerRepo,
		Connections: hub,
		Events:      relay,
		Validator:   salesguard.NewValidator(nil),
		Checks: map[string]handlers.HealthCheck{
			"database": dbPool.Ping,
			"cache": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
			"storage": objectStore.Ping,
		},
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet, realtime.NewHandler(hub, relay, cfg.CORS.AllowedOrigins, logger))

	scheduler := jobs.NewScheduler(batchService, redisClient, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	if runner != nil {
		// pick up jobs whose dispatch died with a previous process
		if n, err := batchService.RequeuePending(ctx, 0); err != nil {
			logger.Warn().Err(err).Msg("requeue pending jobs failed")
		} else if n > 0 {
			logger.Info().Int("jobs", n).Msg("requeued pending jobs")
		}
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	shutdown(logger, httpServer, scheduler, runner, hub, dbPool, redisClient)
}

func shutdown(
	logger zerolog.Logger,
	srv *server.HTTPServer,
	scheduler *jobs.Scheduler,
	runner *batch.Runner,
	hub *realtime.Hub,
	db *pgxpool.Pool,
	redisClient *redis.Client,
) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}

	if runner != nil {
		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("batch runner shutdown incomplete")
		}
	}

	hub.Close()
	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}

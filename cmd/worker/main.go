package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/stevemoraco/Kull-sub004/internal/batch"
	"github.com/stevemoraco/Kull-sub004/internal/cache"
	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/database"
	"github.com/stevemoraco/Kull-sub004/internal/log"
	"github.com/stevemoraco/Kull-sub004/internal/queue"
	"github.com/stevemoraco/Kull-sub004/internal/rating"
	"github.com/stevemoraco/Kull-sub004/internal/realtime"
	"github.com/stevemoraco/Kull-sub004/internal/repository"
	"github.com/stevemoraco/Kull-sub004/internal/service"
	"github.com/stevemoraco/Kull-sub004/internal/storage"
	"github.com/stevemoraco/Kull-sub004/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level).With().Str("role", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Postgres.ApplicationName += "-worker"
	dbPool, err := database.Connect(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	client, err := cache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	clients, err := rating.NewClientsFromConfig(ctx, cfg.Providers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init provider clients")
	}

	jobRepo := repository.NewBatchRepository(dbPool)
	relay := realtime.NewRedisRelay(client, realtime.DefaultRelayChannel, logger)
	credits := service.NewCreditService(repository.NewLedgerRepository(dbPool), relay, logger)

	runner := batch.NewRunner(jobRepo, objectStore, clients, credits, relay, cfg.Batch, logger)
	control := batch.NewControlBus(client, batch.DefaultControlChannel, logger)
	go func() {
		if err := control.Listen(ctx, runner); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("batch control listener stopped")
		}
	}()

	processor := tasks.NewProcessor(runner, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Worker.Stream,
		cfg.Worker.Group,
		cfg.Worker.Consumer,
		cfg.Worker.ClaimInterval,
		logger,
		processor,
	)

	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("batch runner shutdown incomplete")
	}
	logger.Info().Msg("worker exited cleanly")
}

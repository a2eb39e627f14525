package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"detectsvc/internal/adapter/repo"
	"detectsvc/internal/broker"
	"detectsvc/internal/detector"
	httpapi "detectsvc/internal/http/httpapi"
	"detectsvc/internal/infra"
	"detectsvc/internal/metrics"
	"detectsvc/internal/objstore"
	"detectsvc/internal/pipeline"
	"detectsvc/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(ctx, cfg, "detect-worker", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: tracing setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	pool, err := infra.NewDBPool(ctx, cfg, "detect-worker", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	if err := repo.Migrate(ctx, runner); err != nil {
		logger.Fatal().Err(err).Msg("worker: schema migration failed")
	}
	predictions := repo.NewPredictionRepository(runner)

	m := metrics.New()

	objOpts := objstore.OptionsFromConfig(cfg)
	objOpts.Observer = func(op string, outcome objstore.Outcome) { m.Transfer(op, outcome.String()) }
	objects, err := objstore.NewClient(ctx, objOpts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: object store setup failed")
	}

	model, closer, err := detector.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: detector setup failed")
	}
	defer closer.Close()

	fileStore, err := storage.NewFileStore(cfg.WorkDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	processor := pipeline.NewProcessor(objects, model, predictions, fileStore, logger, pipeline.WithMetrics(m))
	publisher := broker.NewPublisher(cfg.RabbitURL, cfg.ResultsExchange, nil)

	handlerOpts := broker.HandlerOptions{
		Metrics:       m,
		MaxDeliveries: cfg.JobMaxDeliveries,
	}
	if cfg.RedisURL != "" {
		rdb, err := broker.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Str("redis", infra.MaskURL(cfg.RedisURL)).Msg("worker: result cache unavailable, continuing without it")
		} else {
			defer rdb.Close()
			handlerOpts.Cache = broker.NewRedisResultCache(rdb, cfg.ResultCacheTTL)
			logger.Info().Dur("ttl", cfg.ResultCacheTTL).Msg("worker: result cache enabled")
		}
	}
	handler := broker.NewHandler(processor, publisher, handlerOpts, logger)

	manager := broker.NewManager(broker.ManagerOptions{
		URL:            cfg.RabbitURL,
		Queue:          cfg.JobsQueue,
		Exchange:       cfg.ResultsExchange,
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        m,
	}, handler, logger)

	ops := infra.NewOpsServer(cfg, httpapi.NewOpsRouter(m.Handler(), manager.Consuming))
	go func() {
		logger.Info().Str("addr", ops.Addr()).Msg("worker: ops server listening")
		if err := ops.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: ops server failed")
		}
	}()

	logger.Info().
		Str("rabbit", cfg.MaskedRabbitURL()).
		Str("queue", cfg.JobsQueue).
		Str("exchange", cfg.ResultsExchange).
		Msg("worker: started")
	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: ops server shutdown failed")
	}
	logger.Info().Msg("worker: stopped")
}

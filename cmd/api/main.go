package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"detectsvc/internal/adapter/repo"
	"detectsvc/internal/detector"
	"detectsvc/internal/http/handlers"
	httpapi "detectsvc/internal/http/httpapi"
	"detectsvc/internal/infra"
	"detectsvc/internal/metrics"
	"detectsvc/internal/objstore"
	"detectsvc/internal/pipeline"
	"detectsvc/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(ctx, cfg, "detect-api", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: tracing setup failed")
	}

	dbpool, err := infra.NewDBPool(ctx, cfg, "detect-api", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	if err := repo.Migrate(ctx, runner); err != nil {
		logger.Fatal().Err(err).Msg("api: schema migration failed")
	}
	predictions := repo.NewPredictionRepository(runner)

	m := metrics.New()
	objOpts := objstore.OptionsFromConfig(cfg)
	objOpts.Observer = func(op string, outcome objstore.Outcome) { m.Transfer(op, outcome.String()) }
	objects, err := objstore.NewClient(ctx, objOpts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: object store setup failed")
	}

	model, closer, err := detector.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: detector setup failed")
	}
	defer closer.Close()

	fileStore, err := storage.NewFileStore(cfg.WorkDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	processor := pipeline.NewProcessor(objects, model, predictions, fileStore, logger, pipeline.WithMetrics(m))
	app := handlers.NewApp(predictions, objects, processor, fileStore, cfg.PresignTTL, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Passwords:     predictions,
		Metrics:       m.Handler(),
		RatePerMinute: cfg.RateLimitPerMin,
		Logger:        logger,
	})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	_ = shutdownTracing(shutdownCtx)
	logger.Info().Msg("api: stopped")
}

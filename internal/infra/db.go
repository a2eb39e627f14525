package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool opens the prediction database for the named process. The name
// shows up as application_name in pg_stat_activity.
func NewDBPool(ctx context.Context, cfg *Config, appName string, logger Logger) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}
	// one job at a time in the worker; the API gets a few more.
	poolCfg.MaxConns = 2
	if appName != "detect-worker" {
		poolCfg.MaxConns = 8
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", MaskURL(cfg.DatabaseURL), err)
	}

	logger.Info().
		Str("database", MaskURL(cfg.DatabaseURL)).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("db: connected")
	return pool, nil
}

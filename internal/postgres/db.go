// Package postgres owns the connection pool and the embedded schema
// migrations of both services.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// Connect opens a pool and waits for the database to answer, retrying a few
// times so a service can start alongside its database.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	wait := connectBackoff
	for attempt := 1; ; attempt++ {
		err = pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if attempt == connectAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("postgres not ready")
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	pool.Close()
	return nil, fmt.Errorf("ping postgres: %w", err)
}

package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var ErrNoConnString = errors.New("pgx: connection string is required")

// PoolConfig configures Connect.
type PoolConfig struct {
	ConnString string        `mapstructure:"connString" validate:"required"`
	MaxConns   int32         `mapstructure:"maxConns" validate:"gte=0"`
	RetryFor   time.Duration `mapstructure:"retryFor"` // 0 disables retries
}

// Connect creates a pool and pings it, retrying with exponential backoff for up to
// cfg.RetryFor while the database is unreachable.
func Connect(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.ConnString == "" {
		return nil, ErrNoConnString
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("pgx: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("ping connection: %w", err)
		}
		pool = p
		return nil
	}

	if cfg.RetryFor <= 0 {
		if err := operation(); err != nil {
			return nil, fmt.Errorf("pgx: %w", err)
		}
		return pool, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.RetryFor

	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("pgx: %w", err)
	}
	return pool, nil
}

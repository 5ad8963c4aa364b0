package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
)

const connectMaxElapsed = 30 * time.Second

func newConnectBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	return bo
}

// Connect opens a pool and waits for the database to answer pings,
// retrying while the server comes up.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storage.WrapError(storage.KindInvalidInput, err, "invalid database url")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storage.WrapError(storage.KindIoError, err, "failed to open pool")
	}

	bo := newConnectBackoff()
	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			logger.Debug("database not ready", "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, storage.WrapError(storage.KindIoError, err, "failed to reach database")
	}
	return pool, nil
}

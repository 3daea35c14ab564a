package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const pgUniqueViolation = "23505"

// OpenPostgres connects a pgx pool and exposes it through database/sql so the
// shared SQL store can run on it.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store, err := newSQLStore(ctx, stdlib.OpenDBFromPool(pool), dialect{
		name:              "postgres",
		timestampType:     "TIMESTAMPTZ",
		numberedParams:    true,
		isUniqueViolation: isPgUniqueViolation,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.release = pool.Close
	return store, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

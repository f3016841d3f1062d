package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// PostgresDB wraps the pgx connection pool.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a PostgreSQL pool and verifies connectivity.
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = int32(getEnvInt("PG_MAX_CONNS", defaultMaxConns))
	config.MinConns = int32(getEnvInt("PG_MIN_CONNS", defaultMinConns))
	lifetimeMin := getEnvInt("PG_MAX_CONN_LIFETIME_MIN", int(defaultMaxConnLifetime/time.Minute))
	idleMin := getEnvInt("PG_MAX_CONN_IDLE_MIN", int(defaultMaxConnIdleTime/time.Minute))
	config.MaxConnLifetime = time.Duration(lifetimeMin) * time.Minute
	config.MaxConnIdleTime = time.Duration(idleMin) * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

// Pool exposes the raw pool for health checks.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close shuts down the connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "attend"
	dbPingTimeout     = 3 * time.Second
	dbRetryBase       = 250 * time.Millisecond
	dbRetryMax        = 4 * time.Second
)

// NewDBPool opens the attendance pool and waits for Postgres to answer, retrying
// with backoff up to cfg.DBConnectAttempts. Migrations are separate; see Migrate.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if cfg.DBConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.DBConnMaxLifetime
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	attempts := cfg.DBConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	wait := dbRetryBase
	for i := 1; ; i++ {
		err = PingDB(ctx, pool, dbPingTimeout)
		if err == nil {
			break
		}
		if i >= attempts {
			pool.Close()
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", i, err)
		}
		log.Warn("db.ping.retry", "attempt", i, "wait", wait, "err", err)

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, dbRetryMax)
	}

	log.Info("db.pool.ready",
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
		"database", pcfg.ConnConfig.Database,
	)
	return pool, nil
}

// PingDB acquires and releases one connection within timeout. It backs /readyz.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}

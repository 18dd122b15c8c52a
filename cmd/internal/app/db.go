package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbPingTimeout = 3 * time.Second

// NewDBPool connects to the database that holds conversations, participants,
// messages and users, and checks that a connection can be acquired.
// The schema is owned by the API service; nothing is migrated here.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}

	if err := PingDB(ctx, pool, dbPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping %s/%s: %w", pcfg.ConnConfig.Host, pcfg.ConnConfig.Database, err)
	}

	return pool, nil
}

// dbPoolConfig applies the CG_DB_* pool knobs to the parsed CG_DATABASE_URL.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		// The URL may carry a password; keep it out of the message.
		return nil, errors.New("db: CG_DATABASE_URL is not a valid connection string")
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns < 0 {
		return nil, fmt.Errorf("db: CG_DB_MIN_CONNS must not be negative, got %d", cfg.DBMinConns)
	}
	if cfg.DBMinConns > pcfg.MaxConns {
		return nil, fmt.Errorf("db: CG_DB_MIN_CONNS (%d) exceeds CG_DB_MAX_CONNS (%d)", cfg.DBMinConns, pcfg.MaxConns)
	}
	pcfg.MinConns = cfg.DBMinConns

	return pcfg, nil
}

// PingDB checks if a connection can be acquired within timeout. It backs /readyz.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

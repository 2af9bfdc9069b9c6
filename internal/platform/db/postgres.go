// Package db connects the server to Postgres. Every tenant-scoped statement
// in the system runs through this pool; the row-security policies in the
// schema assume app.current_company_id is set per transaction, so sessions
// are interchangeable and the pool stays plain.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// New opens and pings a pool. appName shows up in pg_stat_activity so the
// server and the worker can be told apart on a shared database.
func New(ctx context.Context, dsn, appName string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parse dsn: %w", err)
	}
	if appName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("db: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres pool sizing for the event buffer, session, and share stores.
// The buffer's async writer holds at most one connection at a time, so the
// pool is mostly serving reads.
const (
	pgDefaultMaxConns  = 16
	pgDefaultIdleConns = 4
	pgConnMaxLifetime  = 30 * time.Minute
	pgPingTimeout      = 5 * time.Second
)

// OpenPostgres opens a PostgreSQL connection pool via the pgx stdlib driver.
// Zero maxConns or idleConns select the defaults above.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if idleConns <= 0 {
		idleConns = pgDefaultIdleConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(idleConns)
	conn.SetConnMaxLifetime(pgConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pgPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return conn, nil
}

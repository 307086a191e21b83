package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
)

// OpenPostgres opens a PostgreSQL pool through the pgx stdlib driver and
// verifies the connection with a ping. Zero conn limits fall back to the
// package defaults.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if idleConns <= 0 {
		idleConns = defaultPostgresIdleConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(idleConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}

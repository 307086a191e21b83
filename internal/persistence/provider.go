// Package persistence opens the database behind the stores.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/db"
	"github.com/dockhand/dockhand/internal/db/dialect"
)

// Provide opens the database pool selected by the configuration. For
// sqlite3 it returns a single-connection writer with a separate read-only
// reader pool on the same file; for pgx both sides share one pool.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Database.Driver {
	case "", dialect.SQLite3:
		return provideSQLite(cfg, log)
	case dialect.PGX, "postgres":
		return providePostgres(cfg, log)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func provideSQLite(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "./dockhand.db"
	}

	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	log.Info("database initialized",
		zap.String("driver", dialect.SQLite3), zap.String("path", path))

	cleanup := func() error {
		// PRAGMA optimize refreshes query planner statistics; SQLite
		// recommends running it before close.
		_, _ = writer.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return pool, cleanup, nil
}

func providePostgres(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.DBName, cfg.Database.SSLMode)

	conn, err := db.OpenPostgres(dsn, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, nil, err
	}

	shared := sqlx.NewDb(conn, dialect.PGX)
	pool := db.NewPool(shared, shared)
	log.Info("database initialized",
		zap.String("driver", dialect.PGX),
		zap.String("host", cfg.Database.Host),
		zap.String("dbname", cfg.Database.DBName))

	return pool, pool.Close, nil
}

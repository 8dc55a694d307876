package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// Provide opens the database pool selected by the configuration.
// The returned cleanup closes both connections.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*Pool, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		if log != nil {
			log.Info("Database initialized",
				zap.String("db_driver", cfg.Driver),
				zap.String("db_path", cfg.Path))
		}
		cleanup := func() error {
			// Update query planner statistics before closing; the
			// SQLite-recommended lightweight maintenance call.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, cleanup, nil

	case "postgres":
		conn, err := OpenPostgres(cfg.URL, 0, 0)
		if err != nil {
			return nil, nil, err
		}
		shared := sqlx.NewDb(conn, "pgx")
		pool := NewPool(shared, shared)
		if log != nil {
			log.Info("Database initialized", zap.String("db_driver", cfg.Driver))
		}
		return pool, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

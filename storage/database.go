package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/eddielth/shellyd/config"
)

// DatabaseType names a supported store backend
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
	SQLite     DatabaseType = "sqlite"
)

// Open connects to the configured store. With create_schema set, missing
// databases and tables are created first.
func Open(ctx context.Context, log logr.Logger, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch DatabaseType(cfg.Type) {
	case MySQL:
		if cfg.CreateSchema {
			if err := ensureMySQLDatabase(ctx, log, cfg); err != nil {
				return nil, err
			}
		}
		db, err = sqlx.ConnectContext(ctx, "mysql", mysqlDSN(cfg, cfg.DBName))
	case PostgreSQL:
		if cfg.CreateSchema {
			if err := ensurePostgreSQLDatabase(ctx, log, cfg); err != nil {
				return nil, err
			}
		}
		db, err = sqlx.ConnectContext(ctx, "postgres", postgreSQLDSN(cfg, cfg.DBName))
	case SQLite:
		db, err = sqlx.ConnectContext(ctx, "sqlite3", cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		log.Error(err, "Failed to connect to database", "dbType", cfg.Type, "dbName", cfg.DBName)
		return nil, fmt.Errorf("connect %s: %w", cfg.Type, err)
	}

	if DatabaseType(cfg.Type) == SQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if cfg.CreateSchema {
		if err := EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("schema ready", "dbType", cfg.Type)
	}

	log.Info("connected to database", "dbType", cfg.Type, "dbName", cfg.DBName)
	return db, nil
}

package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/eddielth/shellyd/config"
)

// postgreSQLDSN builds a connection URL for dbName
func postgreSQLDSN(cfg config.DatabaseConfig, dbName string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port)),
		Path:   "/" + dbName,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ensurePostgreSQLDatabase creates the database if it does not exist
func ensurePostgreSQLDatabase(ctx context.Context, log logr.Logger, cfg config.DatabaseConfig) error {
	serverDB, err := sqlx.ConnectContext(ctx, "postgres", postgreSQLDSN(cfg, "postgres"))
	if err != nil {
		return fmt.Errorf("connect to PostgreSQL server: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", cfg.DBName)
	if err != nil {
		return fmt.Errorf("check database %s: %w", cfg.DBName, err)
	}
	if exists {
		log.Info("PostgreSQL database exists", "dbName", cfg.DBName)
		return nil
	}

	// CREATE DATABASE cannot run inside a transaction or take parameters
	if _, err := serverDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(cfg.DBName)); err != nil {
		return fmt.Errorf("create database %s: %w", cfg.DBName, err)
	}
	log.Info("PostgreSQL database created", "dbName", cfg.DBName)
	return nil
}

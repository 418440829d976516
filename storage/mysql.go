package storage

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/eddielth/shellyd/config"
)

// mysqlDSN builds a DSN for dbName, or for the bare server when dbName is empty
func mysqlDSN(cfg config.DatabaseConfig, dbName string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	mc.DBName = dbName
	return mc.FormatDSN()
}

// ensureMySQLDatabase creates the database if it does not exist
func ensureMySQLDatabase(ctx context.Context, log logr.Logger, cfg config.DatabaseConfig) error {
	serverDB, err := sqlx.ConnectContext(ctx, "mysql", mysqlDSN(cfg, ""))
	if err != nil {
		return fmt.Errorf("connect to MySQL server: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.DBName))
	if err != nil {
		return fmt.Errorf("create database %s: %w", cfg.DBName, err)
	}

	log.Info("MySQL database ensured", "dbName", cfg.DBName)
	return nil
}

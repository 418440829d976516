package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Field names stored in mfield
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldCapacity    = "capacity"
	FieldBattery     = "battery"
)

// FieldNames lists the metric fields every store must define
var FieldNames = []string{FieldTemperature, FieldHumidity, FieldCapacity, FieldBattery}

var schemas = map[string][]string{
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS station (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensor (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stationid INTEGER NOT NULL REFERENCES station(id),
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mfield (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sdata (
			timekey INTEGER NOT NULL,
			sensorid INTEGER NOT NULL,
			fieldid INTEGER NOT NULL,
			value REAL NOT NULL
		)`,
	},
	"mysql": {
		`CREATE TABLE IF NOT EXISTS station (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			INDEX idx_station_name (name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS sensor (
			id INT AUTO_INCREMENT PRIMARY KEY,
			stationid INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			INDEX idx_sensor_station (stationid)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS mfield (
			id INT AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(64) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS sdata (
			timekey BIGINT NOT NULL,
			sensorid INT NOT NULL,
			fieldid INT NOT NULL,
			value DOUBLE NOT NULL,
			INDEX idx_sdata_timekey (timekey),
			INDEX idx_sdata_sensor (sensorid)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS station (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensor (
			id SERIAL PRIMARY KEY,
			stationid INTEGER NOT NULL REFERENCES station(id),
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mfield (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sdata (
			timekey BIGINT NOT NULL,
			sensorid INTEGER NOT NULL,
			fieldid INTEGER NOT NULL,
			value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sdata_timekey ON sdata (timekey)`,
	},
}

// EnsureSchema creates missing tables and seeds the metric field names.
// Existing tables are left untouched.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	statements, ok := schemas[db.DriverName()]
	if !ok {
		return fmt.Errorf("no schema for driver %s", db.DriverName())
	}

	// one statement per Exec, the MySQL driver rejects multi statements
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	for _, name := range FieldNames {
		var count int
		if err := db.GetContext(ctx, &count, db.Rebind("select count(*) from mfield where name = ?"), name); err != nil {
			return fmt.Errorf("check field %s: %w", name, err)
		}
		if count > 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, db.Rebind("insert into mfield(name) values (?)"), name); err != nil {
			return fmt.Errorf("seed field %s: %w", name, err)
		}
	}
	return nil
}

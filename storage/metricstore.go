package storage

import (
	"context"
	"errors"
	"math"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

const insertQuery = `insert into sdata(timekey, sensorid, fieldid, value) values (?, ?, ?, ?)`

// MetricStore appends readings to sdata
type MetricStore struct {
	db       *sqlx.DB
	resolver *IdentityResolver
	insert   string
	log      logr.Logger
}

// NewMetricStore resolves the field ids of db and returns a store writing to it
func NewMetricStore(ctx context.Context, log logr.Logger, db *sqlx.DB) (*MetricStore, error) {
	resolver, err := NewIdentityResolver(ctx, log, db)
	if err != nil {
		return nil, err
	}
	return &MetricStore{
		db:       db,
		resolver: resolver,
		insert:   db.Rebind(insertQuery),
		log:      log.WithName("metricstore"),
	}, nil
}

// Resolver exposes the identity resolver of the store
func (s *MetricStore) Resolver() *IdentityResolver {
	return s.resolver
}

// AddReading writes the four values of one reading under the same time key
// and sensor id. All four rows are written or none.
func (s *MetricStore) AddReading(ctx context.Context, station, sensor string, timeKey int64, temperature, humidity, voltage, capacity float64) error {
	sensorID, err := s.resolver.SensorID(ctx, station, sensor)
	if err != nil {
		var nf *NotFoundError
		var amb *AmbiguousError
		if errors.As(err, &nf) || errors.As(err, &amb) {
			return err
		}
		return &PersistenceError{Op: "lookup sensor", Err: err}
	}

	values := []struct {
		field string
		value float64
	}{
		{FieldTemperature, temperature},
		{FieldHumidity, humidity},
		{FieldBattery, voltage},
		{FieldCapacity, capacity},
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, v := range values {
		fieldID, err := s.resolver.FieldID(v.field)
		if err != nil {
			return &PersistenceError{Op: "insert " + v.field, Err: err}
		}
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return &PersistenceError{Op: "insert " + v.field, Err: errors.New("value is not finite")}
		}
		if _, err := tx.ExecContext(ctx, s.insert, timeKey, sensorID, fieldID, v.value); err != nil {
			return &PersistenceError{Op: "insert " + v.field, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}

	s.log.V(1).Info("reading stored", "station", station, "sensor", sensor, "sensorid", sensorID, "timekey", timeKey)
	return nil
}

// Store implements Sink
func (s *MetricStore) Store(ctx context.Context, rec Record) error {
	return s.AddReading(ctx, rec.Device.Station, rec.Device.Sensor, rec.TimeKey,
		rec.Temperature, rec.Humidity, rec.Voltage, rec.Capacity)
}

// Name implements Sink
func (s *MetricStore) Name() string { return "database" }

// Close releases the cache and the connection pool
func (s *MetricStore) Close() error {
	s.resolver.Close()
	return s.db.Close()
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	client "github.com/influxdata/influxdb/client/v2"

	"github.com/eddielth/shellyd/config"
)

// InfluxStorage mirrors records into an InfluxDB measurement
type InfluxStorage struct {
	client      client.Client
	database    string
	measurement string
	log         logr.Logger
}

// NewInfluxStorage connects to the InfluxDB HTTP API
func NewInfluxStorage(log logr.Logger, cfg config.InfluxStorageConfig) (*InfluxStorage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx url cannot be empty")
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("influx client: %w", err)
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "shelly"
	}
	return &InfluxStorage{
		client:      c,
		database:    cfg.Database,
		measurement: measurement,
		log:         log.WithName("influx"),
	}, nil
}

// Point converts rec into an InfluxDB point tagged by device, station and sensor
func (is *InfluxStorage) Point(rec Record) (*client.Point, error) {
	tags := map[string]string{
		"device":  rec.Device.ID,
		"station": rec.Device.Station,
		"sensor":  rec.Device.Sensor,
	}
	fields := map[string]interface{}{
		FieldTemperature: rec.Temperature,
		FieldHumidity:    rec.Humidity,
		FieldBattery:     rec.Voltage,
		FieldCapacity:    rec.Capacity,
	}
	return client.NewPoint(is.measurement, tags, fields, time.Unix(rec.TimeKey, 0))
}

// Store writes rec as a single point batch
func (is *InfluxStorage) Store(_ context.Context, rec Record) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  is.database,
		Precision: "s",
	})
	if err != nil {
		return err
	}

	pt, err := is.Point(rec)
	if err != nil {
		return fmt.Errorf("influx point: %w", err)
	}
	bp.AddPoint(pt)

	if err := is.client.Write(bp); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Name implements Sink
func (is *InfluxStorage) Name() string { return "influx" }

// Close implements Sink
func (is *InfluxStorage) Close() error {
	return is.client.Close()
}

package storage

import (
	"context"

	"github.com/go-logr/logr"
)

// LogSink stands in for the database in dry-run mode: records are logged,
// never written
type LogSink struct {
	log logr.Logger
}

// NewLogSink creates a dry-run sink
func NewLogSink(log logr.Logger) *LogSink {
	return &LogSink{log: log.WithName("dryrun")}
}

// Store logs rec
func (s *LogSink) Store(_ context.Context, rec Record) error {
	s.log.Info("would store reading",
		"station", rec.Device.Station,
		"sensor", rec.Device.Sensor,
		"timekey", rec.TimeKey,
		"temperature", rec.Temperature,
		"humidity", rec.Humidity,
		"voltage", rec.Voltage,
		"capacity", rec.Capacity)
	return nil
}

// Name implements Sink
func (s *LogSink) Name() string { return "dryrun" }

// Close implements Sink
func (s *LogSink) Close() error { return nil }

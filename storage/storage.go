package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/config"
)

// Record is one reading ready to be persisted
type Record struct {
	Device      config.Device `json:"device"`
	TimeKey     int64         `json:"timekey"`
	Temperature float64       `json:"temperature"`
	Humidity    float64       `json:"humidity"`
	Voltage     float64       `json:"voltage"`
	Capacity    float64       `json:"capacity"`
}

// Sink receives records
type Sink interface {
	// Store persists one record
	Store(ctx context.Context, rec Record) error
	// Name identifies the sink in logs
	Name() string
	// Close releases the sink's resources
	Close() error
}

// Manager fans records out to a primary sink and any number of secondary
// sinks. Only the primary decides the outcome of Store; secondary failures
// are logged.
type Manager struct {
	primary     Sink
	secondaries []Sink
	mutex       sync.RWMutex
	log         logr.Logger
}

// NewManager creates a manager around primary
func NewManager(log logr.Logger, primary Sink, secondaries ...Sink) *Manager {
	return &Manager{
		primary:     primary,
		secondaries: secondaries,
		log:         log.WithName("storage"),
	}
}

// Store writes rec to the primary, then to every secondary
func (m *Manager) Store(ctx context.Context, rec Record) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := m.primary.Store(ctx, rec); err != nil {
		return err
	}

	for _, sink := range m.secondaries {
		if err := sink.Store(ctx, rec); err != nil {
			m.log.Error(err, "secondary sink failed", "sink", sink.Name(), "device", rec.Device.ID)
		}
	}
	return nil
}

// AddSink adds a secondary sink
func (m *Manager) AddSink(sink Sink) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.secondaries = append(m.secondaries, sink)
}

// Close closes every sink and returns the joined errors
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for _, sink := range append([]Sink{m.primary}, m.secondaries...) {
		if err := sink.Close(); err != nil {
			m.log.Error(err, "failed to close sink", "sink", sink.Name())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/config"
)

// DefaultRetryAfter spaces connection attempts so that a dead database is
// tried once per cycle rather than once per device.
const DefaultRetryAfter = 30 * time.Second

// Opener connects to the metric store
type Opener func(ctx context.Context) (*MetricStore, error)

// OpenMetricStore returns an Opener for the configured database
func OpenMetricStore(log logr.Logger, cfg config.DatabaseConfig) Opener {
	return func(ctx context.Context) (*MetricStore, error) {
		db, err := Open(ctx, log, cfg)
		if err != nil {
			return nil, err
		}
		store, err := NewMetricStore(ctx, log, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}

// LazyStore opens the metric store on first use. After a failed attempt the
// next one is made once RetryAfter has passed; until then Store fails fast.
type LazyStore struct {
	open       Opener
	retryAfter time.Duration
	now        func() time.Time
	log        logr.Logger

	mu       sync.Mutex
	store    *MetricStore
	lastErr  error
	failedAt time.Time
}

// NewLazyStore creates a store that connects through open when needed
func NewLazyStore(log logr.Logger, open Opener, retryAfter time.Duration) *LazyStore {
	return &LazyStore{
		open:       open,
		retryAfter: retryAfter,
		now:        time.Now,
		log:        log.WithName("database"),
	}
}

// Connect opens the store unless it is already open
func (l *LazyStore) Connect(ctx context.Context) error {
	_, err := l.get(ctx)
	return err
}

func (l *LazyStore) get(ctx context.Context) (*MetricStore, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		return l.store, nil
	}
	if l.lastErr != nil && l.now().Sub(l.failedAt) < l.retryAfter {
		return nil, l.lastErr
	}

	store, err := l.open(ctx)
	if err != nil {
		l.lastErr = err
		l.failedAt = l.now()
		l.log.Error(err, "database unavailable, readings are skipped until it is back", "retryAfter", l.retryAfter)
		return nil, err
	}
	if l.lastErr != nil {
		l.log.Info("database reachable again")
	}
	l.store = store
	l.lastErr = nil
	return store, nil
}

// Store implements Sink. An unreachable database is reported as a
// PersistenceError so that only the current reading is lost.
func (l *LazyStore) Store(ctx context.Context, rec Record) error {
	store, err := l.get(ctx)
	if err != nil {
		return &PersistenceError{Op: "open", Err: err}
	}
	return store.Store(ctx, rec)
}

// Name implements Sink
func (l *LazyStore) Name() string { return "database" }

// Close closes the store if it was opened
func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}

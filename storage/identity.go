package storage

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

const (
	sensorQuery = `select b.id from station a, sensor b where a.id = b.stationid and a.name = ? and b.name = ?`
	fieldQuery  = `select a.id from mfield a where a.name = ?`
)

// IdentityResolver maps station/sensor names and field names to their ids.
// Field ids are read once; sensor ids are cached for the life of the resolver.
type IdentityResolver struct {
	db      *sqlx.DB
	fields  map[string]int64
	sensors *ristretto.Cache
	log     logr.Logger
}

// NewIdentityResolver resolves every field in FieldNames. A store missing any
// of them is unusable and yields an error.
func NewIdentityResolver(ctx context.Context, log logr.Logger, db *sqlx.DB) (*IdentityResolver, error) {
	fields := make(map[string]int64, len(FieldNames))
	for _, name := range FieldNames {
		id, err := queryID(ctx, db, "field", name, fieldQuery, name)
		if err != nil {
			return nil, fmt.Errorf("resolve field %s: %w", name, err)
		}
		fields[name] = id
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	log = log.WithName("identity")
	log.V(1).Info("fields resolved", "fields", fields)
	return &IdentityResolver{
		db:      db,
		fields:  fields,
		sensors: cache,
		log:     log,
	}, nil
}

// SensorID returns the id of the sensor named sensor at station
func (r *IdentityResolver) SensorID(ctx context.Context, station, sensor string) (int64, error) {
	key := station + "\x00" + sensor
	if v, ok := r.sensors.Get(key); ok {
		return v.(int64), nil
	}

	id, err := queryID(ctx, r.db, "sensor", station+"/"+sensor, sensorQuery, station, sensor)
	if err != nil {
		return 0, err
	}

	r.sensors.Set(key, id, 1)
	r.sensors.Wait()
	r.log.V(1).Info("sensor resolved", "station", station, "sensor", sensor, "id", id)
	return id, nil
}

// FieldID returns the id of a field resolved at construction
func (r *IdentityResolver) FieldID(name string) (int64, error) {
	id, ok := r.fields[name]
	if !ok {
		return 0, &NotFoundError{Kind: "field", Key: name}
	}
	return id, nil
}

// Close releases the sensor cache
func (r *IdentityResolver) Close() {
	r.sensors.Close()
}

// queryID runs a single-column id query that must match exactly one row
func queryID(ctx context.Context, db *sqlx.DB, kind, key, query string, args ...interface{}) (int64, error) {
	var ids []int64
	if err := db.SelectContext(ctx, &ids, db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("lookup %s %s: %w", kind, key, err)
	}
	switch len(ids) {
	case 0:
		return 0, &NotFoundError{Kind: kind, Key: key}
	case 1:
		return ids[0], nil
	default:
		return 0, &AmbiguousError{Kind: kind, Key: key, Count: len(ids)}
	}
}

package poller

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/eddielth/shellyd/cloud"
	"github.com/eddielth/shellyd/config"
	"github.com/eddielth/shellyd/storage"
	"github.com/eddielth/shellyd/transformer"
	"github.com/eddielth/shellyd/validator"
)

const sampleResponse = `[{"id":"A","status":{"ts":1000,"temperature:0":{"tC":21.5},"humidity:0":{"rh":40.0},"devicepower:0":{"battery":{"V":3.9,"percent":80}}}}]`

type staticFetcher struct {
	payload string
	err     error
	calls   [][]string
}

func (f *staticFetcher) Fetch(_ context.Context, ids []string) ([]byte, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payload), nil
}

type countingExtractor struct {
	calls int
	x     *transformer.Extractor
}

func (c *countingExtractor) Extract(payload []byte) ([]transformer.Extraction, error) {
	c.calls++
	return c.x.Extract(payload)
}

type recordingStore struct {
	mu      sync.Mutex
	records []storage.Record
	fail    map[string]error
}

func (s *recordingStore) Store(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[rec.Device.ID]; err != nil {
		return err
	}
	s.records = append(s.records, rec)
	return nil
}

func testDirectory(t *testing.T, devices ...config.Device) *config.Directory {
	t.Helper()
	dir, err := config.NewDirectory(devices, nil)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

var deviceA = config.Device{ID: "A", Station: "S1", Sensor: "T1"}

func newTestPoller(t *testing.T, dir Directory, f Fetcher, store Store, opts Options) (*Poller, *countingExtractor) {
	t.Helper()
	ex := &countingExtractor{x: transformer.NewExtractor(testr.New(t))}
	return New(testr.New(t), dir, f, ex, store, opts), ex
}

func TestCycleStoresReading(t *testing.T) {
	store := &recordingStore{}
	fetcher := &staticFetcher{payload: sampleResponse}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), fetcher, store, Options{})

	report := p.RunCycle(context.Background())

	if len(fetcher.calls) != 1 || len(fetcher.calls[0]) != 1 || fetcher.calls[0][0] != "A" {
		t.Errorf("fetch calls = %v", fetcher.calls)
	}
	want := storage.Record{Device: deviceA, TimeKey: 1000, Temperature: 21.5, Humidity: 40, Voltage: 3.9, Capacity: 80}
	if len(store.records) != 1 || store.records[0] != want {
		t.Fatalf("records = %+v, want [%+v]", store.records, want)
	}
	if report.Stored != 1 || report.Failed != 0 || report.Error != "" || report.ID == "" {
		t.Errorf("report = %+v", report)
	}
	if last, ok := p.LastReport(); !ok || last.ID != report.ID {
		t.Errorf("LastReport = %+v, %v", last, ok)
	}
}

func TestCycleEndToEndSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, testr.New(t), config.DatabaseConfig{
		Type:         string(storage.SQLite),
		Path:         filepath.Join(t.TempDir(), "e2e.db"),
		CreateSchema: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("insert into station(id, name) values (1, 'S1')"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("insert into sensor(id, stationid, name) values (7, 1, 'T1')"); err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewMetricStore(ctx, testr.New(t), db)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: sampleResponse}, store, Options{})
	if report := p.RunCycle(ctx); report.Stored != 1 {
		t.Fatalf("report = %+v", report)
	}

	var rows []struct {
		TimeKey  int64 `db:"timekey"`
		SensorID int64 `db:"sensorid"`
	}
	if err := db.Select(&rows, "select timekey, sensorid from sdata"); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	for _, r := range rows {
		if r.TimeKey != 1000 || r.SensorID != 7 {
			t.Errorf("row = %+v", r)
		}
	}
}

func TestCycleMissingFieldSkipsDevice(t *testing.T) {
	payload := `[
		{"id":"A","status":{"ts":1000,"humidity:0":{"rh":40.0},"devicepower:0":{"battery":{"V":3.9,"percent":80}}}},
		{"id":"B","status":{"ts":1000,"temperature:0":{"tC":18},"humidity:0":{"rh":55},"devicepower:0":{"battery":{"V":3.7,"percent":60}}}}
	]`
	deviceB := config.Device{ID: "B", Station: "S1", Sensor: "T2"}
	store := &recordingStore{}
	p, _ := newTestPoller(t, testDirectory(t, deviceA, deviceB), &staticFetcher{payload: payload}, store, Options{})

	report := p.RunCycle(context.Background())

	if len(store.records) != 1 || store.records[0].Device.ID != "B" {
		t.Fatalf("records = %+v, want only B", store.records)
	}
	if report.Error != "" || report.Failed != 1 || report.Stored != 1 {
		t.Errorf("report = %+v", report)
	}
	if f := report.Failures[0]; f.DeviceID != "A" || f.Stage != StageExtract {
		t.Errorf("failure = %+v", f)
	}
}

func TestCycleTransportFailure(t *testing.T) {
	store := &recordingStore{}
	fetcher := &staticFetcher{err: &cloud.TransportError{Op: "post", Err: errors.New("connection refused")}}
	p, ex := newTestPoller(t, testDirectory(t, deviceA), fetcher, store, Options{})

	report := p.RunCycle(context.Background())

	if ex.calls != 0 || len(store.records) != 0 {
		t.Errorf("extract calls %d, records %d", ex.calls, len(store.records))
	}
	if report.Error == "" {
		t.Error("cycle error not reported")
	}
}

func TestCycleParseFailure(t *testing.T) {
	store := &recordingStore{}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: `{"isok":false}`}, store, Options{})

	report := p.RunCycle(context.Background())
	if len(store.records) != 0 || report.Error == "" {
		t.Errorf("records %d, report %+v", len(store.records), report)
	}
}

func TestCycleDeviceIsolation(t *testing.T) {
	payload := `[
		{"id":"A","status":{"ts":1,"temperature:0":{"tC":1},"humidity:0":{"rh":1},"devicepower:0":{"battery":{"V":1,"percent":1}}}},
		{"id":"X","status":{"ts":2,"temperature:0":{"tC":2},"humidity:0":{"rh":2},"devicepower:0":{"battery":{"V":2,"percent":2}}}},
		{"id":"B","status":{"ts":3,"temperature:0":{"tC":3},"humidity:0":{"rh":3},"devicepower:0":{"battery":{"V":3,"percent":3}}}},
		{"id":"C","status":{"ts":4,"temperature:0":{"tC":99},"humidity:0":{"rh":4},"devicepower:0":{"battery":{"V":4,"percent":4}}}},
		{"id":"D","status":{"ts":5,"temperature:0":{"tC":5},"humidity:0":{"rh":5},"devicepower:0":{"battery":{"V":5,"percent":5}}}}
	]`
	dir := testDirectory(t,
		deviceA,
		config.Device{ID: "B", Station: "S1", Sensor: "T2"},
		config.Device{ID: "C", Station: "S2", Sensor: "T1"},
		config.Device{ID: "D", Station: "S2", Sensor: "T2"},
	)
	store := &recordingStore{fail: map[string]error{
		"B": &storage.NotFoundError{Kind: "sensor", Key: "S1/T2"},
	}}
	rules, err := validator.FromRules([]config.RangeRule{{Field: "temperature", Min: -40, Max: 60}})
	if err != nil {
		t.Fatal(err)
	}

	for _, workers := range []int{1, 3} {
		store.records = nil
		p, _ := newTestPoller(t, dir, &staticFetcher{payload: payload}, store, Options{Workers: workers, Validator: rules})
		report := p.RunCycle(context.Background())

		if report.Stored != 2 || report.Failed != 3 {
			t.Errorf("workers=%d: report = %+v", workers, report)
		}
		stages := map[string]string{}
		for _, f := range report.Failures {
			stages[f.DeviceID] = f.Stage
		}
		want := map[string]string{"X": StageDirectory, "B": StageStore, "C": StageValidate}
		for id, stage := range want {
			if stages[id] != stage {
				t.Errorf("workers=%d: %s stage = %q, want %q", workers, id, stages[id], stage)
			}
		}
		if len(store.records) != 2 {
			t.Errorf("workers=%d: records = %+v", workers, store.records)
		}
	}
}

func TestCycleTimeKey(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 34, 56, 0, time.UTC)
	store := &recordingStore{}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: sampleResponse}, store, Options{
		TimeKey: TimeKeyCycle,
		Now:     func() time.Time { return start },
	})

	p.RunCycle(context.Background())
	if len(store.records) != 1 {
		t.Fatalf("records = %v", store.records)
	}
	if got, want := store.records[0].TimeKey, time.Date(2024, 3, 1, 12, 34, 0, 0, time.UTC).Unix(); got != want {
		t.Errorf("timekey = %d, want %d", got, want)
	}
}

func TestCycleMissingTimestamp(t *testing.T) {
	payload := `[{"id":"A","status":{"temperature:0":{"tC":21.5},"humidity:0":{"rh":40.0},"devicepower:0":{"battery":{"V":3.9,"percent":80}}}}]`
	store := &recordingStore{}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: payload}, store, Options{})

	p.RunCycle(context.Background())
	if len(store.records) != 1 || store.records[0].TimeKey != 0 {
		t.Errorf("records = %+v", store.records)
	}
}

type failingTransformer struct{}

func (failingTransformer) Transform(string, transformer.Reading) (transformer.Reading, error) {
	return transformer.Reading{}, errors.New("script error")
}

func TestCycleTransformFailure(t *testing.T) {
	store := &recordingStore{}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: sampleResponse}, store, Options{
		Transformer: failingTransformer{},
	})

	report := p.RunCycle(context.Background())
	if len(store.records) != 0 || report.Failures[0].Stage != StageTransform {
		t.Errorf("report = %+v", report)
	}
}

func TestRunWaitsForNextMinute(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	fetcher := &staticFetcher{err: &cloud.TransportError{Op: "post", Err: errors.New("timeout")}}
	p, ex := newTestPoller(t, testDirectory(t, deviceA), fetcher, &recordingStore{}, Options{
		Now: func() time.Time { return now },
		Wait: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			if len(waits) == 2 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	})

	err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if len(fetcher.calls) != 2 || ex.calls != 0 {
		t.Errorf("fetch calls %d, extract calls %d", len(fetcher.calls), ex.calls)
	}
	for _, d := range waits {
		if d != 30*time.Second {
			t.Errorf("wait = %v, want 30s", d)
		}
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &staticFetcher{payload: "[]"}
	p, _ := newTestPoller(t, testDirectory(t, deviceA), fetcher, &recordingStore{}, Options{})

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("fetched after cancel")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep = %v", err)
	}
	if err := sleep(context.Background(), -time.Second); err != nil {
		t.Errorf("sleep negative = %v", err)
	}
}

func TestNextTick(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"mid minute", base.Add(16 * time.Second), base.Add(time.Minute)},
		{"on boundary", base, base.Add(time.Minute)},
		{"just before boundary", base.Add(59*time.Second + 500*time.Millisecond), base.Add(time.Minute)},
		{"cycle crossed a boundary", base.Add(65 * time.Second), base.Add(2 * time.Minute)},
		{"cycle overran a full minute", base.Add(135 * time.Second), base.Add(3 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextTick(tt.now); !got.Equal(tt.want) {
				t.Errorf("NextTick(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestNextTickProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10000; i++ {
		now := base.Add(time.Duration(rng.Int63n(int64(24 * time.Hour))))
		next := NextTick(now)

		if !next.After(now) {
			t.Fatalf("NextTick(%v) = %v is not after now", now, next)
		}
		if next.Sub(now) > time.Minute {
			t.Fatalf("NextTick(%v) = %v is more than a minute away", now, next)
		}
		if !next.Equal(next.Truncate(time.Minute)) {
			t.Fatalf("NextTick(%v) = %v is not a minute boundary", now, next)
		}
	}
}

// A short cycle that crosses a minute boundary waits for the next one
// instead of starting again at once.
func TestRunWaitsAfterCrossingBoundary(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 50, 0, time.UTC)
	clock := []time.Time{start, start.Add(15 * time.Second)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	p, _ := newTestPoller(t, testDirectory(t, deviceA), &staticFetcher{payload: "[]"}, &recordingStore{}, Options{
		Now: func() time.Time {
			now := clock[0]
			if len(clock) > 1 {
				clock = clock[1:]
			}
			return now
		},
		Wait: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			cancel()
			return ctx.Err()
		},
	})

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if len(waits) != 1 || waits[0] != 55*time.Second {
		t.Errorf("waits = %v, want [55s]", waits)
	}
}

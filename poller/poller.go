package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/eddielth/shellyd/cloud"
	"github.com/eddielth/shellyd/config"
	"github.com/eddielth/shellyd/storage"
	"github.com/eddielth/shellyd/transformer"
)

// Time key sources
const (
	TimeKeyDevice = "device"
	TimeKeyCycle  = "cycle"
)

// Directory lists the devices to poll
type Directory interface {
	IDList() []string
	DeviceByID(id string) (config.Device, error)
}

// Fetcher performs one exchange with the cloud
type Fetcher interface {
	Fetch(ctx context.Context, ids []string) ([]byte, error)
}

// Extractor decodes a response into per-device readings
type Extractor interface {
	Extract(payload []byte) ([]transformer.Extraction, error)
}

// Transformer adjusts a reading before it is stored
type Transformer interface {
	Transform(deviceID string, r transformer.Reading) (transformer.Reading, error)
}

// Validator rejects implausible readings
type Validator interface {
	Validate(data interface{}) error
}

// Store persists one record
type Store interface {
	Store(ctx context.Context, rec storage.Record) error
}

// Metrics observes cycle and reading outcomes
type Metrics interface {
	CycleDone(result string, start time.Time, d time.Duration)
	ReadingFailed(reason string)
	ReadingStored(rec storage.Record)
}

// Options tunes a Poller. Zero values select sequential processing with
// device timestamps as time keys.
type Options struct {
	Workers     int
	TimeKey     string
	Transformer Transformer
	Validator   Validator
	Metrics     Metrics

	// Now and Wait replace the wall clock in tests
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

// Poller runs the minute-aligned ingestion loop
type Poller struct {
	dir       Directory
	fetcher   Fetcher
	extractor Extractor
	store     Store
	opts      Options
	log       logr.Logger

	mu        sync.RWMutex
	validator Validator
	last      *Report
}

// New creates a poller
func New(log logr.Logger, dir Directory, fetcher Fetcher, extractor Extractor, store Store, opts Options) *Poller {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.TimeKey == "" {
		opts.TimeKey = TimeKeyDevice
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}
	return &Poller{
		dir:       dir,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		opts:      opts,
		validator: opts.Validator,
		log:       log.WithName("poller"),
	}
}

// NextTick returns the start of the minute following now. Missed ticks are
// not caught up.
func NextTick(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes cycles until ctx is cancelled and returns ctx.Err()
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("polling started", "workers", p.opts.Workers, "timeKey", p.opts.TimeKey)
	for {
		if err := ctx.Err(); err != nil {
			p.log.Info("polling stopped")
			return err
		}

		p.RunCycle(ctx)

		now := p.opts.Now()
		next := NextTick(now)
		p.log.V(1).Info("waiting for next cycle", "next", next)
		if err := p.opts.Wait(ctx, next.Sub(now)); err != nil {
			p.log.Info("polling stopped")
			return err
		}
	}
}

// SetValidator replaces the validator used by later cycles
func (p *Poller) SetValidator(v Validator) {
	p.mu.Lock()
	p.validator = v
	p.mu.Unlock()
}

func (p *Poller) currentValidator() Validator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validator
}

// LastReport returns the report of the most recent cycle, if any
func (p *Poller) LastReport() (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Report{}, false
	}
	return *p.last, true
}

// RunCycle fetches, extracts and stores one round of readings. Errors are
// recorded in the report; none of them stops the poller.
func (p *Poller) RunCycle(ctx context.Context) Report {
	report := Report{
		ID:    uuid.NewString(),
		Start: p.opts.Now(),
	}
	log := p.log.WithValues("cycle", report.ID)

	result := p.cycle(ctx, log, &report)

	report.Duration = p.opts.Now().Sub(report.Start)
	if p.opts.Metrics != nil {
		p.opts.Metrics.CycleDone(result, report.Start, report.Duration)
	}
	log.Info("cycle done",
		"result", result,
		"devices", report.Devices,
		"received", report.Received,
		"stored", report.Stored,
		"failed", report.Failed,
		"duration", report.Duration)

	p.mu.Lock()
	p.last = &report
	p.mu.Unlock()
	return report
}

func (p *Poller) cycle(ctx context.Context, log logr.Logger, report *Report) string {
	ids := p.dir.IDList()
	report.Devices = len(ids)

	payload, err := p.fetcher.Fetch(ctx, ids)
	if err != nil {
		report.Error = err.Error()
		var te *cloud.TransportError
		if errors.As(err, &te) {
			log.Error(err, "fetch failed, skipping cycle", "op", te.Op, "status", te.StatusCode)
			return ResultTransport
		}
		log.Error(err, "fetch failed, skipping cycle")
		return ResultFetch
	}

	items, err := p.extractor.Extract(payload)
	if err != nil {
		report.Error = err.Error()
		var pe *transformer.ParseError
		if errors.As(err, &pe) {
			log.Error(err, "unusable response, skipping cycle", "item", pe.Index, "bytes", len(payload))
			return ResultParse
		}
		log.Error(err, "extraction failed, skipping cycle")
		return ResultParse
	}
	report.Received = len(items)

	outcomes := make([]outcome, len(items))
	if p.opts.Workers > 1 && len(items) > 1 {
		wp := pool.New().WithMaxGoroutines(p.opts.Workers)
		for i := range items {
			i := i
			wp.Go(func() {
				outcomes[i] = p.process(ctx, log, report.Start, items[i])
			})
		}
		wp.Wait()
	} else {
		for i := range items {
			outcomes[i] = p.process(ctx, log, report.Start, items[i])
		}
	}

	for _, o := range outcomes {
		if o.failure != nil {
			report.Failed++
			report.Failures = append(report.Failures, *o.failure)
			continue
		}
		report.Stored++
	}
	return ResultOK
}

type outcome struct {
	failure *DeviceFailure
}

func (p *Poller) fail(log logr.Logger, deviceID, stage string, err error, kv ...interface{}) outcome {
	log.Error(err, "device skipped", append([]interface{}{"device", deviceID, "stage", stage}, kv...)...)
	if p.opts.Metrics != nil {
		p.opts.Metrics.ReadingFailed(stage)
	}
	return outcome{failure: &DeviceFailure{DeviceID: deviceID, Stage: stage, Error: err.Error()}}
}

// process handles one response item; every failure stays local to it
func (p *Poller) process(ctx context.Context, log logr.Logger, cycleStart time.Time, ex transformer.Extraction) outcome {
	if ex.Err != nil {
		return p.fail(log, ex.DeviceID, StageExtract, ex.Err)
	}

	dev, err := p.dir.DeviceByID(ex.DeviceID)
	if err != nil {
		return p.fail(log, ex.DeviceID, StageDirectory, err)
	}
	kv := []interface{}{"station", dev.Station, "sensor", dev.Sensor}

	r := ex.Reading
	if p.opts.Transformer != nil {
		r, err = p.opts.Transformer.Transform(dev.ID, r)
		if err != nil {
			return p.fail(log, dev.ID, StageTransform, err, kv...)
		}
	}

	if v := p.currentValidator(); v != nil {
		if err := v.Validate(r); err != nil {
			return p.fail(log, dev.ID, StageValidate, err, append(kv, "reading", r)...)
		}
	}

	if !r.HasTimestamp && p.opts.TimeKey != TimeKeyCycle {
		log.Info("reading has no timestamp, using time key 0", append(kv, "device", dev.ID)...)
	}

	rec := storage.Record{
		Device:      dev,
		TimeKey:     p.timeKey(cycleStart, r),
		Temperature: r.TemperatureC,
		Humidity:    r.HumidityPct,
		Voltage:     r.BatteryV,
		Capacity:    r.BatteryPct,
	}
	if err := p.store.Store(ctx, rec); err != nil {
		var (
			nf  *storage.NotFoundError
			amb *storage.AmbiguousError
			pe  *storage.PersistenceError
		)
		reason := "store"
		switch {
		case errors.As(err, &nf):
			reason = "sensor not found"
		case errors.As(err, &amb):
			reason = "sensor ambiguous"
		case errors.As(err, &pe):
			reason = "write failed"
		}
		return p.fail(log, dev.ID, StageStore, err, append(kv,
			"reason", reason,
			"timekey", rec.TimeKey,
			"temperature", rec.Temperature,
			"humidity", rec.Humidity,
			"voltage", rec.Voltage,
			"capacity", rec.Capacity)...)
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.ReadingStored(rec)
	}
	log.V(1).Info("reading stored", append(kv, "device", dev.ID, "timekey", rec.TimeKey)...)
	return outcome{}
}

// timeKey picks the bucket for r. Device timestamps are truncated to whole
// seconds; a missing timestamp yields 0.
func (p *Poller) timeKey(cycleStart time.Time, r transformer.Reading) int64 {
	if p.opts.TimeKey == TimeKeyCycle {
		return cycleStart.Truncate(time.Minute).Unix()
	}
	return int64(r.Timestamp)
}

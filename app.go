package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/cloud"
	"github.com/eddielth/shellyd/config"
	"github.com/eddielth/shellyd/logger"
	"github.com/eddielth/shellyd/metrics"
	"github.com/eddielth/shellyd/mqtt"
	"github.com/eddielth/shellyd/poller"
	"github.com/eddielth/shellyd/status"
	"github.com/eddielth/shellyd/storage"
	"github.com/eddielth/shellyd/transformer"
	"github.com/eddielth/shellyd/validator"
)

// daemon holds the wired components of one run
type daemon struct {
	cfg          *config.Config
	debug        bool
	dryRunFlag   bool
	directory    *config.Live
	transformers *transformer.Manager
	sinks        *storage.Manager
	metrics      *metrics.Collector
	poller       *poller.Poller
	status       *status.Server
	log          logr.Logger
}

// runDaemon loads the configuration, wires the pipeline and polls until ctx is done
func runDaemon(ctx context.Context, configPath string, debug, dryRun bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	if dryRun {
		cfg.Poll.DryRun = true
	}

	d, err := newDaemon(ctx, cfg, debug)
	if err != nil {
		logger.Error("startup failed: %v", err)
		return err
	}
	defer d.close()
	d.dryRunFlag = dryRun

	if err := config.WatchConfig(configPath, d.reload); err != nil {
		// not fatal, keep running with the loaded configuration
		logger.Warn("failed to watch configuration file: %v", err)
	}

	if d.status != nil {
		go func() {
			if err := d.status.Run(ctx); err != nil {
				d.log.Error(err, "status server stopped")
			}
		}()
	}

	logger.Info("shellyd started, polling %d devices", len(cfg.Devices))
	err = d.poller.Run(ctx)
	logger.Info("shellyd stopped")
	return err
}

func newDaemon(ctx context.Context, cfg *config.Config, debug bool) (*daemon, error) {
	log := logger.Named("shellyd")

	dir, err := cfg.Directory()
	if err != nil {
		return nil, err
	}
	live := config.NewLive(dir)

	client, err := cloud.NewClient(log, live, cloud.Options{
		Timeout:          cfg.Cloud.Timeout,
		MaxResponseBytes: cfg.Cloud.MaxResponseBytes,
		UserAgent:        cfg.Cloud.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("cloud client: %w", err)
	}

	transformers, err := transformer.NewManager(log, cfg.Transformers)
	if err != nil {
		return nil, fmt.Errorf("transformers: %w", err)
	}

	validators, err := validator.FromRules(cfg.Validation)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	sinks := storage.NewManager(log, openPrimary(ctx, log, cfg))
	addSecondarySinks(log, cfg, sinks)

	collector := metrics.New()

	p := poller.New(log, live, client, transformer.NewExtractor(log), sinks, poller.Options{
		Workers:     cfg.Poll.Workers,
		TimeKey:     cfg.Poll.TimeKey,
		Transformer: transformers,
		Validator:   validators,
		Metrics:     collector,
	})

	d := &daemon{
		cfg:          cfg,
		debug:        debug,
		directory:    live,
		transformers: transformers,
		sinks:        sinks,
		metrics:      collector,
		poller:       p,
		log:          log,
	}
	if cfg.Status.Enabled {
		d.status = status.New(log, cfg.Status.Listen, p, collector.Handler())
	}
	return d, nil
}

// openPrimary returns the database store, or a logging stand-in in dry-run
// mode. A database that cannot be reached now is retried by later cycles.
func openPrimary(ctx context.Context, log logr.Logger, cfg *config.Config) storage.Sink {
	if cfg.Poll.DryRun {
		log.Info("dry run, readings will not be written to the database")
		return storage.NewLogSink(log)
	}

	store := storage.NewLazyStore(log, storage.OpenMetricStore(log, cfg.Database), storage.DefaultRetryAfter)
	if err := store.Connect(ctx); err != nil {
		log.Info("starting without database", "dbType", cfg.Database.Type)
	}
	return store
}

// addSecondarySinks attaches the optional sinks; one that cannot start is
// logged and left out
func addSecondarySinks(log logr.Logger, cfg *config.Config, sinks *storage.Manager) {
	if cfg.Storage.File.Enabled {
		fs, err := storage.NewFileStorage(log, cfg.Storage.File.Path)
		if err != nil {
			log.Error(err, "file archive disabled")
		} else {
			sinks.AddSink(fs)
		}
	}

	if cfg.Storage.Influx.Enabled {
		is, err := storage.NewInfluxStorage(log, cfg.Storage.Influx)
		if err != nil {
			log.Error(err, "influx mirror disabled")
		} else {
			sinks.AddSink(is)
		}
	}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.NewPublisher(log, cfg.MQTT)
		if err != nil {
			log.Error(err, "mqtt publisher disabled")
		} else {
			sinks.AddSink(pub)
		}
	}
}

// reload applies a changed configuration file. Devices, transformers,
// validation rules and the log level take effect at the next cycle; the
// remaining sections need a restart.
func (d *daemon) reload(newCfg *config.Config) error {
	dir, err := newCfg.Directory()
	if err != nil {
		return err
	}

	var errs []error
	if err := d.transformers.Reload(newCfg.Transformers); err != nil {
		errs = append(errs, fmt.Errorf("transformers: %w", err))
	}
	if validators, err := validator.FromRules(newCfg.Validation); err != nil {
		errs = append(errs, fmt.Errorf("validation: %w", err))
	} else {
		d.poller.SetValidator(validators)
	}

	d.directory.Replace(dir)
	logger.Info("device directory reloaded, %d devices", len(newCfg.Devices))

	if !d.debug {
		if level, err := logger.ParseLogLevel(newCfg.Logger.Level); err == nil {
			logger.SetLevel(level)
		}
	}

	if d.dryRunFlag {
		newCfg.Poll.DryRun = true
	}
	for _, section := range changedSections(d.cfg, newCfg) {
		logger.Warn("%s configuration changed, restart shellyd to apply it", section)
	}
	return errors.Join(errs...)
}

// changedSections names the sections that only apply at startup and differ
func changedSections(old, next *config.Config) []string {
	var changed []string
	check := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("cloud", old.Cloud, next.Cloud)
	check("database", old.Database, next.Database)
	check("poll", old.Poll, next.Poll)
	check("storage", old.Storage, next.Storage)
	check("mqtt", old.MQTT, next.MQTT)
	check("status", old.Status, next.Status)
	return changed
}

func (d *daemon) close() {
	if err := d.sinks.Close(); err != nil {
		logger.Error("failed to close storage: %v", err)
	}
}

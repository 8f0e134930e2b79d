package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jguan/anpr-monitor/pkg/config"
	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/infra/eventbus"
	"github.com/jguan/anpr-monitor/pkg/infra/ingest"
	"github.com/jguan/anpr-monitor/pkg/infra/logger"
	"github.com/jguan/anpr-monitor/pkg/infra/metrics"
	"github.com/jguan/anpr-monitor/pkg/infra/store"
	"github.com/jguan/anpr-monitor/pkg/service"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
)

const systemSampleInterval = 5 * time.Second

type appOptions struct {
	// paced runs stages at the configured simulated speed.
	paced bool
	// sources starts the simulator, NATS consumer and drop folder watcher
	// that the config enables.
	sources bool
	system  bool
}

// app is the wired monitor with every resource that must be released.
type app struct {
	cfg      *config.Config
	monitor  *service.Monitor
	exporter *metrics.Exporter
	detector detector.Detector
	db       *sql.DB
	bus      eventbus.EventBus
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		exporter: metrics.NewExporter(),
		logger:   logger.Default(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	monitorOpts := []service.Option{
		service.WithExporter(a.exporter),
		service.WithLogger(a.logger),
	}

	if cfg.Storage.Enabled {
		sqlStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		events, err := eventbus.NewSQLiteEventStore(ctx, a.db)
		if err != nil {
			return nil, fmt.Errorf("init event store: %w", err)
		}
		bus := eventbus.NewPersistentEventBus(events, eventbus.WithBusOptions(eventbus.WithLogger(a.logger)))
		a.bus = bus
		monitorOpts = append(monitorOpts,
			service.WithStore(sqlStore),
			service.WithArchive(sqlStore),
			service.WithBus(bus),
			service.WithAudit(bus),
		)
	} else {
		a.bus = eventbus.NewInMemoryEventBus(eventbus.WithLogger(a.logger))
		monitorOpts = append(monitorOpts, service.WithBus(a.bus))
	}

	a.detector = newDetector(cfg.Detector, a.onBreaker, a.logger)

	if opts.paced {
		if pace := newPace(cfg.Pipeline); pace != nil {
			monitorOpts = append(monitorOpts, service.WithPace(pace))
		}
	}
	if opts.system {
		diskPath := cfg.General.DataDir
		if diskPath == "" {
			diskPath = "/"
		}
		monitorOpts = append(monitorOpts, service.WithSystem(
			metrics.NewCachedCollector(metrics.NewCollector(diskPath), systemSampleInterval, nil)))
	}
	if opts.sources {
		monitorOpts = append(monitorOpts, a.sourceOptions()...)
	}

	a.monitor, err = service.New(service.Config{
		Stages:            cfg.Pipeline.Stages,
		RunTimeout:        cfg.Pipeline.RunTimeoutD,
		LiveRuns:          cfg.Pipeline.LiveRuns,
		FeedCapacity:      cfg.Feed.Capacity,
		Horizon:           cfg.Feed.HorizonD,
		RecomputeInterval: cfg.Feed.RecomputeIntervalD,
		AlertCapacity:     cfg.Alerts.Capacity,
		AlertResolveAfter: cfg.Alerts.AutoResolveD,
		LowConfidence:     cfg.Alerts.LowConfidence,
	}, a.detector, monitorOpts...)
	if err != nil {
		return nil, fmt.Errorf("create monitor: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (*store.SQLiteStore, error) {
	dbFile := a.cfg.Storage.DBFile
	if dbFile != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.OpenDB(dbFile)
	if err != nil {
		return nil, err
	}
	a.db = db

	s, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	a.logger.Info("using SQLite database for persistent storage", "path", dbFile)
	return s, nil
}

// sourceOptions builds the ingestion loops. They reach the monitor through
// a.monitor, which is set before Run starts them.
func (a *app) sourceOptions() []service.Option {
	var opts []service.Option
	sink := ingest.SinkFunc(func(ctx context.Context, rec feed.Record) error {
		return a.monitor.Ingest(ctx, rec)
	})

	sim := a.cfg.Ingest.Simulator
	if sim.Enabled {
		s := ingest.NewSimulator(simulatorConfig(sim), sink, ingest.WithSimLogger(a.logger))
		opts = append(opts, service.WithSource("simulator", s.Run))
	}

	nc := a.cfg.Ingest.NATS
	if nc.Enabled {
		src := ingest.NewNATSSource(nc.URL, nc.Subject, sink, a.logger)
		opts = append(opts, service.WithSource("nats", src.Run))
	}

	if dir := a.cfg.Ingest.WatchDir; dir != "" {
		w := ingest.NewDirWatcher(dir, func(ctx context.Context, path string, image []byte) error {
			run, err := a.monitor.StartRun(ctx, service.RunRequest{
				Image:    image,
				CameraID: ingest.UploadCameraID,
				Location: ingest.UploadLocation,
			})
			if err != nil {
				return err
			}
			ctx = logger.SetCameraID(logger.SetRunID(ctx, run.ID), ingest.UploadCameraID)
			logger.WithContext(ctx).Info("upload queued", "file", filepath.Base(path))
			return nil
		}, a.logger)
		opts = append(opts, service.WithSource("watch_dir", w.Run))
	}
	return opts
}

func (a *app) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// onBreaker fans detector circuit transitions out to the breaker gauge and
// the alert board. The monitor is nil only while newApp is still wiring.
func (a *app) onBreaker(name string, from, to gobreaker.State) {
	a.exporter.SetBreakerState(name, breakerGauge(to))
	if a.monitor != nil {
		a.monitor.ObserveBreaker(name, from, to)
	}
}

func newDetector(cfg config.DetectorConfig, onState detector.StateHook, log *slog.Logger) detector.Detector {
	if cfg.Mode != "remote" {
		return detector.NewMock()
	}
	return detector.NewClient(detector.ClientConfig{
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.TimeoutD,
		MaxFailures: cfg.MaxFailures,
		OpenTimeout: cfg.OpenTimeoutD,
		Logger:      log,
		OnState:     onState,
	})
}

func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.BreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.BreakerHalfOpen
	default:
		return metrics.BreakerClosed
	}
}

// newPace returns nil when stages should run as fast as the detector allows.
func newPace(cfg config.PipelineConfig) *pipeline.Simulator {
	if cfg.Executor != "simulated" {
		return nil
	}
	return pipeline.NewSimulator(
		pipeline.WithStepInterval(cfg.StepIntervalD),
		pipeline.WithStepRange(cfg.MinStep, cfg.MaxStep),
	)
}

func simulatorConfig(cfg config.SimulatorConfig) ingest.SimulatorConfig {
	cams := make([]ingest.Camera, len(cfg.Cameras))
	for i, c := range cfg.Cameras {
		cams[i] = ingest.Camera{ID: c.ID, Location: c.Location, Active: c.Active}
	}
	return ingest.SimulatorConfig{
		Cameras:              cams,
		Tick:                 cfg.TickD,
		DetectionProbability: cfg.DetectionProbability,
		FlagProbability:      cfg.FlagProbability,
		RatePerSec:           cfg.RatePerSec,
	}
}

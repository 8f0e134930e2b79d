// Package service wires the stage sequencer, the live feed and the stats
// aggregator into the running monitor.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/infra/eventbus"
	"github.com/jguan/anpr-monitor/pkg/infra/ingest"
	"github.com/jguan/anpr-monitor/pkg/infra/metrics"
	"github.com/jguan/anpr-monitor/pkg/infra/store"
	"github.com/jguan/anpr-monitor/pkg/unit"
	"github.com/jguan/anpr-monitor/pkg/unit/alert"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
	"github.com/jguan/anpr-monitor/pkg/unit/pipeline"
	"github.com/jguan/anpr-monitor/pkg/unit/stats"
)

// ClearedConfidence is the confidence a valid plate must exceed to be
// logged as cleared rather than processing.
const ClearedConfidence = 90

type Config struct {
	Stages     []string
	RunTimeout time.Duration
	// LiveRuns caps terminal runs held by the sequencer.
	LiveRuns          int
	FeedCapacity      int
	Horizon           time.Duration
	RecomputeInterval time.Duration
	AlertCapacity     int
	AlertResolveAfter time.Duration
	// LowConfidence raises a warning for detections scored below it; zero
	// disables the warning.
	LowConfidence float64
}

func (c *Config) setDefaults() {
	if len(c.Stages) == 0 {
		c.Stages = append([]string(nil), pipeline.DefaultStages...)
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Minute
	}
	if c.LiveRuns <= 0 {
		c.LiveRuns = 100
	}
	if c.FeedCapacity <= 0 {
		c.FeedCapacity = 50
	}
	if c.Horizon <= 0 {
		c.Horizon = stats.DefaultHorizon
	}
	if c.AlertCapacity <= 0 {
		c.AlertCapacity = alert.DefaultCapacity
	}
	if c.AlertResolveAfter <= 0 {
		c.AlertResolveAfter = alert.DefaultResolveAfter
	}
}

// AuditLog is the read side of a persistent event bus.
type AuditLog interface {
	Query(ctx context.Context, filter eventbus.EventQueryFilter) ([]unit.Event, error)
}

// Source is a long-running ingestion loop started by Run.
type Source func(ctx context.Context) error

type Monitor struct {
	cfg       Config
	detector  detector.Detector
	seq       *pipeline.Sequencer
	feed      *feed.Feed
	agg       *stats.Aggregator
	publisher *stats.Publisher
	alerts    *alert.Board
	store     store.DetectionStore
	archive   pipeline.RunArchive
	bus       eventbus.EventBus
	audit     AuditLog
	exporter  *metrics.Exporter
	system    *metrics.CachedCollector
	pace      *pipeline.Simulator
	clock     clock.Clock
	logger    *slog.Logger
	newID     func() string
	sources   map[string]Source
}

type Option func(*Monitor)

func WithStore(s store.DetectionStore) Option {
	return func(m *Monitor) {
		if s != nil {
			m.store = s
		}
	}
}

func WithArchive(a pipeline.RunArchive) Option {
	return func(m *Monitor) {
		if a != nil {
			m.archive = a
		}
	}
}

func WithBus(b eventbus.EventBus) Option {
	return func(m *Monitor) {
		m.bus = b
	}
}

func WithAudit(a AuditLog) Option {
	return func(m *Monitor) {
		m.audit = a
	}
}

func WithExporter(e *metrics.Exporter) Option {
	return func(m *Monitor) {
		m.exporter = e
	}
}

func WithSystem(c *metrics.CachedCollector) Option {
	return func(m *Monitor) {
		m.system = c
	}
}

// WithPace animates every stage with sim before it does its work.
func WithPace(sim *pipeline.Simulator) Option {
	return func(m *Monitor) {
		m.pace = sim
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithIDFunc(fn func() string) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithSource registers an ingestion loop that Run starts alongside the
// stats publisher.
func WithSource(name string, src Source) Option {
	return func(m *Monitor) {
		m.sources[name] = src
	}
}

func New(cfg Config, det detector.Detector, opts ...Option) (*Monitor, error) {
	cfg.setDefaults()
	if err := pipeline.ValidateStages(cfg.Stages); err != nil {
		return nil, err
	}
	if det == nil {
		det = detector.NewMock()
	}

	m := &Monitor{
		cfg:      cfg,
		detector: det,
		store:    store.NewMemoryStore(),
		archive:  pipeline.NewMemoryArchive(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		newID:    uuid.NewString,
		sources:  make(map[string]Source),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "monitor")

	feedOpts := []feed.Option{feed.WithLogger(m.logger)}
	alertOpts := []alert.Option{
		alert.WithCapacity(cfg.AlertCapacity),
		alert.WithResolveAfter(cfg.AlertResolveAfter),
		alert.WithClock(m.clock),
		alert.WithLogger(m.logger),
	}
	seqOpts := []pipeline.Option{
		pipeline.WithExecutor(NewStages(det, m.pace).Router().Execute),
		pipeline.WithTimeSource(m.clock),
		pipeline.WithArchive(m.archive),
		pipeline.WithRetention(cfg.LiveRuns),
		pipeline.WithLogger(m.logger),
	}
	if m.bus != nil {
		feedOpts = append(feedOpts, feed.WithPublisher(m.bus))
		seqOpts = append(seqOpts, pipeline.WithPublisher(m.bus))
		alertOpts = append(alertOpts, alert.WithPublisher(m.bus))
	}

	f, err := feed.New(cfg.FeedCapacity, feedOpts...)
	if err != nil {
		return nil, err
	}
	m.feed = f
	m.seq = pipeline.NewSequencer(seqOpts...)
	m.alerts = alert.NewBoard(alertOpts...)
	m.agg = stats.NewAggregator(stats.Options{Horizon: cfg.Horizon})

	pubOpts := []stats.PublisherOption{
		stats.WithClock(m.clock),
		stats.WithInterval(cfg.RecomputeInterval),
		stats.WithLogger(m.logger),
	}
	if m.exporter != nil {
		pubOpts = append(pubOpts, stats.WithSink(m.exporter.ObserveAggregate))
		m.seq.Subscribe(m.exporter.ObserveUpdate)
		m.feed.Subscribe(m.exporter.ObserveFeed)
		if m.system != nil {
			m.system.OnSample(m.exporter.ObserveSystem)
		}
	}
	m.publisher = stats.NewPublisher(m.agg, m.feed, pubOpts...)
	m.seq.Subscribe(m.onUpdate)
	return m, nil
}

func (m *Monitor) Sequencer() *pipeline.Sequencer { return m.seq }
func (m *Monitor) Feed() *feed.Feed               { return m.feed }
func (m *Monitor) Config() Config                 { return m.cfg }

// RunRequest describes one recognition run.
type RunRequest struct {
	ID       string
	Stages   []string
	Image    []byte
	CameraID string
	Location string
}

func (r RunRequest) input() map[string]any {
	in := map[string]any{
		KeyCameraID: r.CameraID,
		KeyLocation: r.Location,
	}
	if r.CameraID == "" {
		in[KeyCameraID] = ingest.UploadCameraID
		in[KeyLocation] = ingest.UploadLocation
	}
	if len(r.Image) > 0 {
		in[KeyImage] = r.Image
	}
	return in
}

func (m *Monitor) stages(req RunRequest) []string {
	if len(req.Stages) > 0 {
		return req.Stages
	}
	return m.cfg.Stages
}

// StartRun begins a run that outlives ctx; it is bounded by the configured
// run timeout instead. Request-scoped values on ctx are kept for logging.
func (m *Monitor) StartRun(ctx context.Context, req RunRequest) (*pipeline.Run, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RunTimeout)
	run, err := m.seq.Start(runCtx, req.ID, m.stages(req), req.input())
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer cancel()
		if _, err := m.seq.Wait(context.Background(), run.ID); err != nil {
			m.logger.Debug("wait for run", "run_id", run.ID, "error", err)
		}
	}()
	return run, nil
}

// Process runs the pipeline bound to ctx and waits for it to finish.
func (m *Monitor) Process(ctx context.Context, req RunRequest) (*pipeline.Run, error) {
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	run, err := m.seq.Start(runCtx, req.ID, m.stages(req), req.input())
	if err != nil {
		return nil, err
	}
	return m.seq.Wait(ctx, run.ID)
}

func (m *Monitor) CancelRun(id string) error {
	return m.seq.Cancel(id)
}

func (m *Monitor) ResetRun(id string) error {
	return m.seq.Reset(id)
}

// GetRun returns a live run, falling back to the archive for runs the
// sequencer no longer holds.
func (m *Monitor) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	run, err := m.seq.Get(id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		return nil, err
	}
	archived, aerr := m.archive.GetRun(ctx, id)
	if aerr != nil {
		return nil, err
	}
	return archived, nil
}

func (m *Monitor) Runs() []pipeline.Run {
	return m.seq.List()
}

func (m *Monitor) RunHistory(ctx context.Context, filter pipeline.RunFilter) ([]pipeline.Run, int, error) {
	return m.archive.ListRuns(ctx, filter)
}

// Ingest inserts a detection into the live feed and persists it. It
// satisfies ingest.Sink.
func (m *Monitor) Ingest(ctx context.Context, rec feed.Record) error {
	if err := m.feed.Insert(rec); err != nil {
		if m.exporter != nil {
			m.exporter.RecordRejected(rejectReason(err))
		}
		return err
	}
	if m.exporter != nil {
		m.exporter.RecordInserted(rec.Category)
	}
	if a, ok := alert.ForRecord(rec, m.cfg.LowConfidence); ok {
		if _, err := m.alerts.Raise(a); err != nil {
			m.logger.Warn("raise alert", "id", rec.ID, "rule", a.Rule, "error", err)
		}
	}
	if err := m.store.SaveDetection(ctx, rec); err != nil {
		m.logger.Error("persist detection", "id", rec.ID, "error", err)
	}
	return nil
}

// Stamp fills the fields a client may leave out of a detection: a fresh
// ID, the monitor's current time, and the processing category.
func (m *Monitor) Stamp(rec feed.Record) feed.Record {
	if rec.ID == "" {
		rec.ID = m.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clock.Now()
	}
	if rec.Category == "" {
		rec.Category = feed.CategoryProcessing
	}
	return rec
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, feed.ErrDuplicateRecord):
		return "duplicate"
	case errors.Is(err, feed.ErrInvalidRecord):
		return "invalid"
	default:
		return "other"
	}
}

func (m *Monitor) Snapshot() []feed.Record {
	return m.feed.Snapshot()
}

func (m *Monitor) Detections(ctx context.Context, filter store.DetectionFilter) ([]feed.Record, int, error) {
	return m.store.ListDetections(ctx, filter)
}

// Stats computes an aggregate at the monitor's current time. A non-positive
// horizon uses the configured one.
func (m *Monitor) Stats(horizon time.Duration) stats.Aggregate {
	if horizon <= 0 {
		horizon = m.cfg.Horizon
	}
	return stats.Compute(m.feed.Snapshot(), m.clock.Now(), stats.Options{Horizon: horizon})
}

// LatestStats is the last aggregate published by the background publisher.
func (m *Monitor) LatestStats() stats.Aggregate {
	return m.publisher.Latest()
}

func (m *Monitor) System(ctx context.Context) (metrics.SystemStats, error) {
	if m.system == nil {
		return metrics.SystemStats{}, unit.ErrNotFound.With("reason", "system sampling disabled")
	}
	return m.system.Collect(ctx)
}

func (m *Monitor) DetectorHealth(ctx context.Context) (*detector.Health, error) {
	return m.detector.Health(ctx)
}

func (m *Monitor) Audit(ctx context.Context, filter eventbus.EventQueryFilter) ([]unit.Event, error) {
	if m.audit == nil {
		return nil, unit.ErrNotFound.With("reason", "event audit disabled")
	}
	return m.audit.Query(ctx, filter)
}

// ListAlerts returns the live alerts matching filter, newest first, with
// counts over the whole board.
func (m *Monitor) ListAlerts(filter alert.Filter) ([]alert.Alert, alert.Summary, error) {
	if err := filter.Validate(); err != nil {
		return nil, alert.Summary{}, err
	}
	return m.alerts.List(filter), m.alerts.Summary(), nil
}

func (m *Monitor) AcknowledgeAlert(id string) (alert.Alert, error) {
	return m.alerts.Acknowledge(id)
}

func (m *Monitor) ResolveAlert(id string) (alert.Alert, error) {
	return m.alerts.Resolve(id)
}

func (m *Monitor) DismissAlert(id string) error {
	return m.alerts.Dismiss(id)
}

// ObserveBreaker raises an outage alert while the detector circuit is open
// and resolves it once the circuit closes. It matches detector.StateHook.
func (m *Monitor) ObserveBreaker(name string, _, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		if _, err := m.alerts.Raise(alert.DetectorOutage(name)); err != nil {
			m.logger.Warn("raise alert", "rule", alert.RuleDetectorOutage, "error", err)
		}
	case gobreaker.StateClosed:
		m.alerts.ResolveKey(alert.OutageKey(name))
	}
}

// OnUpdate streams pipeline updates to l until the returned func is called.
// l runs synchronously and must not block.
func (m *Monitor) OnUpdate(l pipeline.Listener) (unsubscribe func()) {
	id := m.seq.Subscribe(l)
	return func() { m.seq.Unsubscribe(id) }
}

func (m *Monitor) OnFeed(fn feed.Subscriber) (unsubscribe func()) {
	return m.feed.Subscribe(fn)
}

// WarmStart fills the feed from the most recent stored detections.
func (m *Monitor) WarmStart(ctx context.Context) error {
	records, err := m.store.RecentDetections(ctx, m.cfg.FeedCapacity)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := m.feed.Load(records); err != nil {
		return err
	}
	m.logger.Info("feed warm started", "records", len(records))
	return nil
}

// Run drives the stats publisher, the alert sweeper, the system sampler and
// every registered source until ctx is done or one of them fails.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.publisher.Run(ctx) })
	g.Go(func() error { return m.alerts.Run(ctx) })
	if m.system != nil {
		g.Go(func() error { return m.system.Run(ctx) })
	}
	for name, src := range m.sources {
		g.Go(func() error {
			m.logger.Info("source started", "source", name)
			if err := src(ctx); err != nil {
				m.logger.Error("source stopped", "source", name, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// onUpdate logs every completed run with a plate as a detection.
func (m *Monitor) onUpdate(u pipeline.Update) {
	if u.Kind != pipeline.UpdateRunCompleted {
		return
	}
	run, err := m.seq.Get(u.RunID)
	if err != nil {
		return
	}
	rec, ok := DetectionFromRun(run, m.newID(), m.clock.Now())
	if !ok {
		return
	}
	if err := m.Ingest(context.Background(), rec); err != nil {
		m.logger.Warn("log detection", "run_id", run.ID, "error", err)
	}
}

// DetectionFromRun turns a completed run into a feed record: cleared when
// the plate is valid with confidence above ClearedConfidence, processing
// otherwise. ok is false when the run produced no plate.
func DetectionFromRun(run *pipeline.Run, id string, now time.Time) (feed.Record, bool) {
	if run == nil || run.Status != pipeline.RunStatusCompleted || run.Outcome == nil || run.Outcome.Value == "" {
		return feed.Record{}, false
	}
	o := run.Outcome

	category := feed.CategoryProcessing
	if o.Valid && o.Confidence > ClearedConfidence {
		category = feed.CategoryCleared
	}

	ts := now
	if run.CompletedAt != nil {
		ts = *run.CompletedAt
	}
	cameraID, _ := run.Input[KeyCameraID].(string)
	location, _ := run.Input[KeyLocation].(string)
	if cameraID == "" {
		cameraID, location = ingest.UploadCameraID, ingest.UploadLocation
	}

	return feed.Record{
		ID:          id,
		Timestamp:   ts,
		PlateNumber: o.Value,
		CameraID:    cameraID,
		Location:    location,
		Category:    category,
		Confidence:  math.Max(0, math.Min(100, math.Round(o.Confidence))),
	}, true
}

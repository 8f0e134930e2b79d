package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/infra/detector"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

const (
	DefaultTick                 = 2 * time.Second
	DefaultDetectionProbability = 0.15
	DefaultFlagProbability      = 0.10
)

type SimulatorConfig struct {
	Cameras              []Camera
	Tick                 time.Duration
	DetectionProbability float64
	FlagProbability      float64
	// RatePerSec caps emitted detections across all cameras. Zero means
	// unlimited.
	RatePerSec float64
}

// Simulator rolls a detection for every active camera on each tick.
type Simulator struct {
	cfg     SimulatorConfig
	sink    Sink
	clock   clock.Clock
	limiter *rate.Limiter
	newID   func() string
	logger  *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

type SimulatorOption func(*Simulator)

func WithSimClock(c clock.Clock) SimulatorOption {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSimRand(r *rand.Rand) SimulatorOption {
	return func(s *Simulator) {
		if r != nil {
			s.rnd = r
		}
	}
}

func WithSimLogger(l *slog.Logger) SimulatorOption {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDFunc replaces the uuid record ID generator.
func WithIDFunc(fn func() string) SimulatorOption {
	return func(s *Simulator) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewSimulator(cfg SimulatorConfig, sink Sink, opts ...SimulatorOption) *Simulator {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	s := &Simulator{
		cfg:    cfg,
		sink:   sink,
		clock:  clock.Real(),
		newID:  uuid.NewString,
		logger: slog.Default(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	s.logger = s.logger.With("component", "simulator")
	return s
}

// Tick rolls every active camera once at now and returns what was detected.
// Detections over the rate limit are discarded.
func (s *Simulator) Tick(now time.Time) []feed.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []feed.Record
	for _, cam := range s.cfg.Cameras {
		if !cam.Active || s.rnd.Float64() >= s.cfg.DetectionProbability {
			continue
		}
		category := feed.CategoryCleared
		if s.rnd.Float64() < s.cfg.FlagProbability {
			category = feed.CategoryFlagged
		}
		rec := feed.Record{
			ID:          s.newID(),
			Timestamp:   now,
			PlateNumber: detector.RandomPlate(s.rnd),
			CameraID:    cam.ID,
			Location:    cam.Location,
			Category:    category,
			Confidence:  float64(85 + s.rnd.Intn(15)),
		}
		if s.limiter != nil && !s.limiter.AllowN(now, 1) {
			s.logger.Debug("detection dropped by rate limit", "camera_id", cam.ID)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Run ticks until ctx is done, handing detections to the sink.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("camera simulator started",
		"cameras", len(s.cfg.Cameras),
		"tick", s.cfg.Tick,
		"detection_probability", s.cfg.DetectionProbability)

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			for _, rec := range s.Tick(now) {
				if err := s.sink.Ingest(ctx, rec); err != nil {
					s.logger.Warn("simulated detection rejected", "id", rec.ID, "error", err)
				}
			}
		}
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
)

// ProgressFunc reports stage progress in percent. Reports outside [0,100]
// are clamped and reports that do not increase are ignored.
type ProgressFunc func(progress float64)

// StageExecutor performs the work of one stage. input carries the run input
// merged with the outputs of the stages already completed.
type StageExecutor func(ctx context.Context, stage string, input map[string]any, report ProgressFunc) (map[string]any, error)

// OutcomeFunc builds the run outcome from the outputs of every stage.
type OutcomeFunc func(stages []string, results map[string]map[string]any) (*Outcome, error)

// Router dispatches stages by name, falling back to a default executor.
type Router struct {
	handlers map[string]StageExecutor
	fallback StageExecutor
}

func NewRouter(fallback StageExecutor) *Router {
	return &Router{
		handlers: make(map[string]StageExecutor),
		fallback: fallback,
	}
}

func (r *Router) Handle(stage string, exec StageExecutor) *Router {
	r.handlers[stage] = exec
	return r
}

func (r *Router) Execute(ctx context.Context, stage string, input map[string]any, report ProgressFunc) (map[string]any, error) {
	if exec, ok := r.handlers[stage]; ok {
		return exec(ctx, stage, input, report)
	}
	if r.fallback != nil {
		return r.fallback(ctx, stage, input, report)
	}
	return nil, fmt.Errorf("no executor for stage %q", stage)
}

// InstantExecutor completes every stage immediately.
func InstantExecutor(ctx context.Context, stage string, input map[string]any, report ProgressFunc) (map[string]any, error) {
	report(100)
	return map[string]any{"stage": stage}, nil
}

type failurePoint struct {
	at     float64
	reason string
}

// Simulator advances progress in random steps on a clock, standing in for
// real stage work.
type Simulator struct {
	clock    clock.Clock
	interval time.Duration
	minStep  float64
	maxStep  float64
	failures map[string]failurePoint

	mu  sync.Mutex
	rnd *rand.Rand
}

type SimulatorOption func(*Simulator)

func WithClock(c clock.Clock) SimulatorOption {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithRand(r *rand.Rand) SimulatorOption {
	return func(s *Simulator) {
		if r != nil {
			s.rnd = r
		}
	}
}

func WithStepInterval(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStepRange bounds each progress increment. min must be positive.
func WithStepRange(min, max float64) SimulatorOption {
	return func(s *Simulator) {
		if min > 0 && max >= min {
			s.minStep = min
			s.maxStep = max
		}
	}
}

// WithFailure makes stage fail once its progress reaches at.
func WithFailure(stage string, at float64, reason string) SimulatorOption {
	return func(s *Simulator) {
		s.failures[stage] = failurePoint{at: clamp(at), reason: reason}
	}
}

func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		clock:    clock.Real(),
		interval: 200 * time.Millisecond,
		minStep:  10,
		maxStep:  35,
		failures: make(map[string]failurePoint),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Execute(ctx context.Context, stage string, input map[string]any, report ProgressFunc) (map[string]any, error) {
	fp, willFail := s.failures[stage]
	progress := 0.0
	steps := 0

	for progress < 100 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.interval):
		}

		next := progress + s.step()
		if next > 100 {
			next = 100
		}
		if willFail && next >= fp.at {
			if fp.at > progress {
				report(fp.at)
			}
			return nil, errors.New(fp.reason)
		}
		progress = next
		steps++
		report(progress)
	}

	return map[string]any{
		"stage":     stage,
		"simulated": true,
		"steps":     steps,
	}, nil
}

func (s *Simulator) step() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minStep + s.rnd.Float64()*(s.maxStep-s.minStep)
}

// DefaultOutcome takes the outcome from the latest stage whose output
// carries a "value" key.
func DefaultOutcome(stages []string, results map[string]map[string]any) (*Outcome, error) {
	for i := len(stages) - 1; i >= 0; i-- {
		out := results[stages[i]]
		v, ok := out["value"]
		if !ok {
			continue
		}
		value, _ := v.(string)
		confidence, _ := toFloat(out["confidence"])
		valid, _ := out["valid"].(bool)
		return &Outcome{
			Value:      value,
			Confidence: confidence,
			Valid:      valid,
			Details:    cloneMap(out),
		}, nil
	}
	return &Outcome{}, nil
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	default:
		return 0, false
	}
}

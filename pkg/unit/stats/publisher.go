package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/unit/feed"
)

// Source is the part of the feed the publisher reads.
type Source interface {
	Snapshot() []feed.Record
	Subscribe(fn feed.Subscriber) (unsubscribe func())
}

// Sink receives each recomputed aggregate.
type Sink func(Aggregate)

// Publisher recomputes statistics on a cadence, on every feed mutation, or
// both, and hands the result to its sinks.
type Publisher struct {
	agg        *Aggregator
	src        Source
	clock      clock.Clock
	interval   time.Duration
	onMutation bool
	logger     *slog.Logger

	// pubMu orders recomputations so an older snapshot never replaces a
	// newer aggregate.
	pubMu sync.Mutex

	mu     sync.RWMutex
	sinks  []Sink
	latest Aggregate
}

type PublisherOption func(*Publisher)

// WithInterval sets the recompute cadence. Zero disables periodic
// recomputation.
func WithInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.interval = d
	}
}

func WithOnMutation(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.onMutation = enabled
	}
}

func WithClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithSink(s Sink) PublisherOption {
	return func(p *Publisher) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

func NewPublisher(agg *Aggregator, src Source, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		agg:        agg,
		src:        src,
		clock:      clock.Real(),
		interval:   time.Second,
		onMutation: true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("unit", "stats")
	return p
}

// Latest returns the most recently published aggregate.
func (p *Publisher) Latest() Aggregate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Refresh recomputes from the current feed contents and publishes.
func (p *Publisher) Refresh() Aggregate {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	return p.publishLocked(p.src.Snapshot())
}

func (p *Publisher) publish(records []feed.Record) Aggregate {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	return p.publishLocked(records)
}

func (p *Publisher) publishLocked(records []feed.Record) Aggregate {
	a := p.agg.Compute(records, p.clock.Now())

	p.mu.Lock()
	p.latest = a
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.Unlock()

	for _, s := range sinks {
		s(a)
	}
	return a
}

// Run publishes until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	if p.onMutation {
		unsubscribe := p.src.Subscribe(func(records []feed.Record) {
			p.publish(records)
		})
		defer unsubscribe()
	}

	p.Refresh()

	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("stats publisher started", "interval", p.interval, "on_mutation", p.onMutation)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.Refresh()
		}
	}
}

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
)

// CachedCollector samples on a fixed interval so request handlers never
// block on procfs. Collect returns the last sample.
type CachedCollector struct {
	inner    Collector
	interval time.Duration
	clock    clock.Clock
	sinks    []func(SystemStats)

	mu      sync.RWMutex
	last    SystemStats
	lastErr error
}

func NewCachedCollector(c Collector, interval time.Duration, clk clock.Clock) *CachedCollector {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &CachedCollector{
		inner:    c,
		interval: interval,
		clock:    clk,
	}
}

// OnSample registers fn to receive every successful sample. Call before Run.
func (cc *CachedCollector) OnSample(fn func(SystemStats)) {
	cc.sinks = append(cc.sinks, fn)
}

// Refresh samples once.
func (cc *CachedCollector) Refresh(ctx context.Context) {
	s, err := cc.inner.Collect(ctx)
	cc.mu.Lock()
	cc.last, cc.lastErr = s, err
	cc.mu.Unlock()
	if err != nil {
		return
	}
	for _, fn := range cc.sinks {
		fn(s)
	}
}

// Run samples immediately and then on every tick until ctx is done.
func (cc *CachedCollector) Run(ctx context.Context) error {
	cc.Refresh(ctx)

	ticker := cc.clock.NewTicker(cc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			cc.Refresh(ctx)
		}
	}
}

func (cc *CachedCollector) Collect(ctx context.Context) (SystemStats, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.last, cc.lastErr
}

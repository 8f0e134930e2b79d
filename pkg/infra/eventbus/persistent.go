package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

// PersistentEventBus delivers like InMemoryEventBus and additionally writes
// every event to an EventStore in batches, giving an audit trail of runs and
// feed activity.
type PersistentEventBus struct {
	memory      *InMemoryEventBus
	store       EventStore
	batchSize   int
	flushPeriod time.Duration

	mu     sync.RWMutex
	closed bool

	sendMu sync.RWMutex
	buffer chan unit.Event
	wg     sync.WaitGroup
}

type persistentConfig struct {
	bufferSize  int
	batchSize   int
	flushPeriod time.Duration
	busOpts     []Option
}

type PersistentOption func(*persistentConfig)

func WithPersistentBufferSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithBatchSize(size int) PersistentOption {
	return func(c *persistentConfig) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

func WithFlushPeriod(period time.Duration) PersistentOption {
	return func(c *persistentConfig) {
		if period > 0 {
			c.flushPeriod = period
		}
	}
}

// WithBusOptions configures the in-memory delivery side.
func WithBusOptions(opts ...Option) PersistentOption {
	return func(c *persistentConfig) {
		c.busOpts = append(c.busOpts, opts...)
	}
}

func NewPersistentEventBus(store EventStore, opts ...PersistentOption) *PersistentEventBus {
	cfg := &persistentConfig{
		bufferSize:  1000,
		batchSize:   100,
		flushPeriod: time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	bus := &PersistentEventBus{
		memory:      NewInMemoryEventBus(cfg.busOpts...),
		store:       store,
		buffer:      make(chan unit.Event, cfg.bufferSize),
		batchSize:   cfg.batchSize,
		flushPeriod: cfg.flushPeriod,
	}

	bus.wg.Add(1)
	go bus.persistenceWorker()

	return bus
}

func (b *PersistentEventBus) Publish(event unit.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	// delivery and persistence fail independently; a full delivery buffer
	// must not lose the audit record
	deliverErr := b.memory.Publish(event)

	select {
	case b.buffer <- event:
	default:
		b.memory.logger.Warn("event dropped before persistence", "type", event.Type())
		return ErrBufferFull
	}
	return deliverErr
}

func (b *PersistentEventBus) Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error) {
	return b.memory.Subscribe(handler, filters...)
}

func (b *PersistentEventBus) Unsubscribe(id SubscriptionID) error {
	return b.memory.Unsubscribe(id)
}

func (b *PersistentEventBus) Query(ctx context.Context, filter EventQueryFilter) ([]unit.Event, error) {
	return b.store.Query(ctx, filter)
}

// Replay hands every stored event with correlationID to handler, oldest
// first. For pipeline events the correlation ID is the run ID.
func (b *PersistentEventBus) Replay(ctx context.Context, correlationID string, handler EventHandler) error {
	if handler == nil {
		return ErrNilHandler
	}

	events, err := b.store.Query(ctx, EventQueryFilter{CorrelationID: correlationID})
	if err != nil {
		return err
	}

	for i := len(events) - 1; i >= 0; i-- {
		if err := handler(events[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending events to the store before closing delivery.
func (b *PersistentEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.sendMu.Lock()
	close(b.buffer)
	b.sendMu.Unlock()

	b.wg.Wait()
	return b.memory.Close()
}

func (b *PersistentEventBus) persistenceWorker() {
	defer b.wg.Done()

	batch := make([]unit.Event, 0, b.batchSize)
	ticker := time.NewTicker(b.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.store.SaveBatch(context.Background(), batch); err != nil {
			b.memory.logger.Error("persist events", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-b.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

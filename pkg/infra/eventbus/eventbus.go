// Package eventbus fans domain events (run transitions, feed inserts) out to
// subscribers such as the SSE stream and the audit store.
package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

var (
	ErrClosed     = errors.New("eventbus is closed")
	ErrBufferFull = errors.New("eventbus buffer full")
	ErrNilEvent   = errors.New("event cannot be nil")
	ErrNilHandler = errors.New("handler cannot be nil")
)

type SubscriptionID string

type EventHandler func(event unit.Event) error

type EventFilter func(event unit.Event) bool

type EventBus interface {
	Publish(event unit.Event) error
	Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Close() error
}

// InMemoryEventBus delivers events asynchronously from a fixed worker pool.
// Publish never blocks: when the buffer is full the event is dropped and
// counted.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*subscription
	closed      bool

	// sendMu guards eventChan against Close while a Publish is sending.
	sendMu    sync.RWMutex
	eventChan chan unit.Event
	wg        sync.WaitGroup

	logger  *slog.Logger
	dropped atomic.Uint64
}

type subscription struct {
	id      SubscriptionID
	handler EventHandler
	filters []EventFilter
}

type config struct {
	bufferSize  int
	workerCount int
	logger      *slog.Logger
}

type Option func(*config)

func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithWorkerCount sets the number of delivery goroutines. With more than one
// worker events may reach a handler out of publish order.
func WithWorkerCount(count int) Option {
	return func(c *config) {
		if count > 0 {
			c.workerCount = count
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewInMemoryEventBus(opts ...Option) *InMemoryEventBus {
	cfg := &config{
		bufferSize:  1000,
		workerCount: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	bus := &InMemoryEventBus{
		subscribers: make(map[SubscriptionID]*subscription),
		eventChan:   make(chan unit.Event, cfg.bufferSize),
		logger:      cfg.logger.With("component", "eventbus"),
	}

	for i := 0; i < cfg.workerCount; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}

	return bus
}

func (b *InMemoryEventBus) Publish(event unit.Event) error {
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

	select {
	case b.eventChan <- event:
		return nil
	default:
		b.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *InMemoryEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *InMemoryEventBus) Subscribe(handler EventHandler, filters ...EventFilter) (SubscriptionID, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	id := SubscriptionID(uuid.New().String())
	b.subscribers[id] = &subscription{
		id:      id,
		handler: handler,
		filters: filters,
	}
	return id, nil
}

func (b *InMemoryEventBus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return unit.ErrNotFound.With("subscription", string(id))
	}
	delete(b.subscribers, id)
	return nil
}

// Close stops accepting events, drains what is buffered and waits for the
// workers to exit.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.sendMu.Lock()
	close(b.eventChan)
	b.sendMu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	b.subscribers = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
	return nil
}

func (b *InMemoryEventBus) worker() {
	defer b.wg.Done()
	for event := range b.eventChan {
		b.dispatch(event)
	}
}

func (b *InMemoryEventBus) dispatch(event unit.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !matchFilters(event, sub.filters) {
			continue
		}
		if err := sub.handler(event); err != nil {
			b.logger.Warn("event handler failed", "subscription", sub.id, "type", event.Type(), "error", err)
		}
	}
}

func matchFilters(event unit.Event, filters []EventFilter) bool {
	for _, filter := range filters {
		if !filter(event) {
			return false
		}
	}
	return true
}

func FilterByType(eventType string) EventFilter {
	return func(event unit.Event) bool {
		return event.Type() == eventType
	}
}

func FilterByDomain(domain string) EventFilter {
	return func(event unit.Event) bool {
		return event.Domain() == domain
	}
}

func FilterByTypes(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event unit.Event) bool {
		return set[event.Type()]
	}
}

func FilterByCorrelation(id string) EventFilter {
	return func(event unit.Event) bool {
		return event.CorrelationID() == id
	}
}

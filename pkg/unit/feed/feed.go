// Package feed keeps the bounded, newest-first window of recent detections
// that dashboards and the stats aggregator read from.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jguan/anpr-monitor/pkg/unit"
)

// Subscriber receives the window after every successful mutation. The slice
// is the subscriber's own copy.
type Subscriber func(records []Record)

type subscription struct {
	fn     Subscriber
	active atomic.Bool
}

// Feed is a fixed-capacity window. Writers are serialized; readers never
// observe a partially applied insert.
type Feed struct {
	capacity int
	bus      unit.EventPublisher
	logger   *slog.Logger

	// writeMu serializes mutations together with their notifications so
	// subscribers see snapshots in insertion order.
	writeMu sync.Mutex

	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}

	smu     sync.RWMutex
	subs    map[uint64]*subscription
	nextSub uint64
}

type Option func(*Feed)

func WithPublisher(p unit.EventPublisher) Option {
	return func(f *Feed) {
		f.bus = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

func New(capacity int, opts ...Option) (*Feed, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity.With("capacity", capacity)
	}
	f := &Feed{
		capacity: capacity,
		logger:   slog.Default(),
		records:  make([]Record, 0, capacity),
		ids:      make(map[string]struct{}, capacity),
		subs:     make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("unit", "feed")
	return f, nil
}

func (f *Feed) Capacity() int {
	return f.capacity
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

// Insert adds rec as the newest entry, evicting the oldest entry once the
// window is full. Duplicate detection only covers records still in the
// window.
func (f *Feed) Insert(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.Lock()
	if _, dup := f.ids[rec.ID]; dup {
		f.mu.Unlock()
		return ErrDuplicateRecord.With("id", rec.ID)
	}

	next := make([]Record, 0, f.capacity)
	next = append(next, rec)
	keep := f.records
	var evicted []Record
	if len(keep) >= f.capacity {
		evicted = keep[f.capacity-1:]
		keep = keep[:f.capacity-1]
	}
	next = append(next, keep...)

	for _, old := range evicted {
		delete(f.ids, old.ID)
	}
	f.ids[rec.ID] = struct{}{}
	f.records = next
	f.mu.Unlock()

	f.logger.Debug("record inserted", "id", rec.ID, "plate", rec.PlateNumber, "evicted", len(evicted))
	f.publish(NewInsertedEvent(rec))
	for _, old := range evicted {
		f.publish(NewEvictedEvent(old))
	}
	f.notify(next)
	return nil
}

// Load replaces the window with records, given newest-first, keeping at most
// Capacity of them. Subscribers are notified once.
func (f *Feed) Load(records []Record) error {
	if len(records) > f.capacity {
		records = records[:f.capacity]
	}

	next := make([]Record, 0, f.capacity)
	ids := make(map[string]struct{}, f.capacity)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, dup := ids[rec.ID]; dup {
			return ErrDuplicateRecord.With("id", rec.ID)
		}
		ids[rec.ID] = struct{}{}
		next = append(next, rec)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.Lock()
	f.records = next
	f.ids = ids
	f.mu.Unlock()

	f.logger.Info("feed loaded", "records", len(next))
	f.notify(next)
	return nil
}

// Snapshot returns a copy of the window, newest first.
func (f *Feed) Snapshot() []Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Record, len(f.records))
	copy(out, f.records)
	return out
}

// Subscribe registers fn for every later mutation. Subscribers run on the
// writer's goroutine and must not insert into the same feed.
func (f *Feed) Subscribe(fn Subscriber) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	sub.active.Store(true)

	f.smu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = sub
	f.smu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			f.smu.Lock()
			delete(f.subs, id)
			f.smu.Unlock()
		})
	}
}

func (f *Feed) notify(records []Record) {
	f.smu.RLock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.smu.RUnlock()

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		view := make([]Record, len(records))
		copy(view, records)
		s.fn(view)
	}
}

func (f *Feed) publish(ev unit.Event) {
	if f.bus == nil {
		return
	}
	if err := f.bus.Publish(ev); err != nil {
		f.logger.Debug("publish event", "type", ev.Type(), "error", err)
	}
}

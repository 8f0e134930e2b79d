package alert

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/unit"
)

const (
	DefaultCapacity      = 20
	DefaultResolveAfter  = 10 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Board holds the most recent alerts, newest first. Raising past capacity
// drops the oldest alert whatever its status.
type Board struct {
	capacity     int
	resolveAfter time.Duration
	interval     time.Duration
	clock        clock.Clock
	bus          unit.EventPublisher
	logger       *slog.Logger
	newID        func() string

	mu     sync.Mutex
	alerts []*Alert
}

type Option func(*Board)

func WithCapacity(n int) Option {
	return func(b *Board) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithResolveAfter sets how long an auto-resolving alert may stay firing.
func WithResolveAfter(d time.Duration) Option {
	return func(b *Board) {
		if d > 0 {
			b.resolveAfter = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(b *Board) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Board) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithPublisher(p unit.EventPublisher) Option {
	return func(b *Board) {
		b.bus = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Board) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithIDFunc(fn func() string) Option {
	return func(b *Board) {
		if fn != nil {
			b.newID = fn
		}
	}
}

func NewBoard(opts ...Option) *Board {
	b := &Board{
		capacity:     DefaultCapacity,
		resolveAfter: DefaultResolveAfter,
		interval:     DefaultSweepInterval,
		clock:        clock.Real(),
		logger:       slog.Default(),
		newID:        func() string { return "alert-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("unit", "alert")
	return b
}

func (b *Board) Capacity() int { return b.capacity }

// Raise puts a firing alert at the top of the board. The board assigns the
// ID, status and trigger time. When a.Key matches an alert that is not yet
// resolved, that alert is returned and nothing new is raised.
func (b *Board) Raise(a Alert) (Alert, error) {
	if !a.Severity.Valid() {
		return Alert{}, ErrInvalidAlert.With("severity", string(a.Severity))
	}
	if strings.TrimSpace(a.Message) == "" {
		return Alert{}, ErrInvalidAlert.With("reason", "empty message")
	}

	b.mu.Lock()
	if a.Key != "" {
		for _, cur := range b.alerts {
			if cur.Key == a.Key && cur.Status != StatusResolved {
				existing := *cur
				b.mu.Unlock()
				return existing, nil
			}
		}
	}

	a.ID = b.newID()
	a.Status = StatusFiring
	a.TriggeredAt = b.clock.Now()
	a.AcknowledgedAt = nil
	a.ResolvedAt = nil

	stored := a
	next := make([]*Alert, 0, b.capacity)
	next = append(next, &stored)
	next = append(next, b.alerts...)
	dropped := 0
	if len(next) > b.capacity {
		dropped = len(next) - b.capacity
		next = next[:b.capacity]
	}
	b.alerts = next
	b.mu.Unlock()

	b.logger.Info("alert raised", "id", a.ID, "rule", a.Rule, "severity", a.Severity, "camera_id", a.CameraID, "dropped", dropped)
	b.publish(EventTypeTriggered, a)
	return a, nil
}

// Acknowledge marks a firing alert as seen. Acknowledging twice is a no-op;
// a resolved alert cannot be acknowledged.
func (b *Board) Acknowledge(id string) (Alert, error) {
	b.mu.Lock()
	cur := b.find(id)
	if cur == nil {
		b.mu.Unlock()
		return Alert{}, ErrAlertNotFound.With("id", id)
	}
	switch cur.Status {
	case StatusResolved:
		b.mu.Unlock()
		return Alert{}, ErrAlertResolved.With("id", id)
	case StatusAcknowledged:
		out := *cur
		b.mu.Unlock()
		return out, nil
	}
	now := b.clock.Now()
	cur.Status = StatusAcknowledged
	cur.AcknowledgedAt = &now
	out := *cur
	b.mu.Unlock()

	b.publish(EventTypeAcknowledged, out)
	return out, nil
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (b *Board) Resolve(id string) (Alert, error) {
	b.mu.Lock()
	cur := b.find(id)
	if cur == nil {
		b.mu.Unlock()
		return Alert{}, ErrAlertNotFound.With("id", id)
	}
	if cur.Status == StatusResolved {
		out := *cur
		b.mu.Unlock()
		return out, nil
	}
	b.resolveLocked(cur, b.clock.Now())
	out := *cur
	b.mu.Unlock()

	b.publish(EventTypeResolved, out)
	return out, nil
}

// ResolveKey resolves every open alert raised under key and returns them.
func (b *Board) ResolveKey(key string) []Alert {
	if key == "" {
		return nil
	}
	b.mu.Lock()
	now := b.clock.Now()
	var resolved []Alert
	for _, cur := range b.alerts {
		if cur.Key == key && cur.Status != StatusResolved {
			b.resolveLocked(cur, now)
			resolved = append(resolved, *cur)
		}
	}
	b.mu.Unlock()

	for _, a := range resolved {
		b.publish(EventTypeResolved, a)
	}
	return resolved
}

// Dismiss removes an alert from the board.
func (b *Board) Dismiss(id string) error {
	b.mu.Lock()
	idx := -1
	for i, cur := range b.alerts {
		if cur.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return ErrAlertNotFound.With("id", id)
	}
	removed := *b.alerts[idx]
	next := make([]*Alert, 0, len(b.alerts)-1)
	next = append(next, b.alerts[:idx]...)
	b.alerts = append(next, b.alerts[idx+1:]...)
	b.mu.Unlock()

	b.publish(EventTypeDismissed, removed)
	return nil
}

// Sweep resolves auto-resolving alerts that have been firing for at least
// the resolve period and returns them.
func (b *Board) Sweep() []Alert {
	b.mu.Lock()
	now := b.clock.Now()
	var resolved []Alert
	for _, cur := range b.alerts {
		if cur.AutoResolve && cur.Status == StatusFiring && now.Sub(cur.TriggeredAt) >= b.resolveAfter {
			b.resolveLocked(cur, now)
			resolved = append(resolved, *cur)
		}
	}
	b.mu.Unlock()

	for _, a := range resolved {
		b.publish(EventTypeResolved, a)
	}
	if len(resolved) > 0 {
		b.logger.Debug("alerts auto-resolved", "count", len(resolved))
	}
	return resolved
}

func (b *Board) Get(id string) (Alert, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.find(id)
	if cur == nil {
		return Alert{}, ErrAlertNotFound.With("id", id)
	}
	return *cur, nil
}

// List returns matching alerts, newest first.
func (b *Board) List(filter Filter) []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.alerts))
	for _, cur := range b.alerts {
		if !filter.matches(cur) {
			continue
		}
		out = append(out, *cur)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (b *Board) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Summary{FiringBy: map[Severity]int{
		SeverityCritical: 0,
		SeverityWarning:  0,
		SeverityInfo:     0,
	}}
	for _, cur := range b.alerts {
		switch cur.Status {
		case StatusFiring:
			s.Unread++
			s.FiringBy[cur.Severity]++
		case StatusAcknowledged:
			s.Acknowledged++
		case StatusResolved:
			s.Resolved++
		}
	}
	return s
}

// Run sweeps on the configured interval until ctx is done.
func (b *Board) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			b.Sweep()
		}
	}
}

func (b *Board) find(id string) *Alert {
	for _, cur := range b.alerts {
		if cur.ID == id {
			return cur
		}
	}
	return nil
}

func (b *Board) resolveLocked(a *Alert, now time.Time) {
	a.Status = StatusResolved
	a.ResolvedAt = &now
}

func (b *Board) publish(eventType string, a Alert) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(newEvent(eventType, a)); err != nil {
		b.logger.Debug("publish event", "type", eventType, "error", err)
	}
}

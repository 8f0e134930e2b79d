package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
	"github.com/jguan/anpr-monitor/pkg/unit"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type eventCollector struct {
	mu    sync.Mutex
	types []string
}

func (c *eventCollector) Publish(ev unit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, ev.Type())
	return nil
}

func (c *eventCollector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("alert-%d", n)
	}
}

func newTestBoard(clk clock.Clock, opts ...Option) *Board {
	return NewBoard(append([]Option{WithClock(clk), WithIDFunc(sequentialIDs())}, opts...)...)
}

func warning(msg string) Alert {
	return Alert{Rule: "test", Severity: SeverityWarning, Message: msg}
}

func ids(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.ID
	}
	return out
}

func TestBoard_RaiseAssignsState(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := newTestBoard(clk)

	a, err := b.Raise(Alert{
		ID:       "ignored",
		Rule:     RuleFlaggedVehicle,
		Severity: SeverityCritical,
		Status:   StatusResolved,
		Message:  "Flagged vehicle detected",
		CameraID: "CAM-01",
	})
	require.NoError(t, err)

	want := Alert{
		ID:          "alert-1",
		Rule:        RuleFlaggedVehicle,
		Severity:    SeverityCritical,
		Status:      StatusFiring,
		Message:     "Flagged vehicle detected",
		CameraID:    "CAM-01",
		TriggeredAt: epoch,
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("Raise() mismatch (-want +got):\n%s", diff)
	}
	got, err := b.Get("alert-1")
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestBoard_RaiseRejectsInvalid(t *testing.T) {
	b := newTestBoard(clock.NewFake(epoch))

	_, err := b.Raise(Alert{Severity: "urgent", Message: "x"})
	assert.True(t, errors.Is(err, ErrInvalidAlert))
	_, err = b.Raise(Alert{Severity: SeverityInfo, Message: "  "})
	assert.True(t, errors.Is(err, ErrInvalidAlert))
	assert.Empty(t, b.List(Filter{}))
}

func TestBoard_CapacityDropsOldest(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := newTestBoard(clk, WithCapacity(3))

	for i := 1; i <= 5; i++ {
		_, err := b.Raise(warning(fmt.Sprintf("alert %d", i)))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"alert-5", "alert-4", "alert-3"}, ids(b.List(Filter{})))
	_, err := b.Get("alert-1")
	assert.True(t, errors.Is(err, ErrAlertNotFound))
}

func TestBoard_DefaultCapacity(t *testing.T) {
	b := newTestBoard(clock.NewFake(epoch))
	for i := 0; i < DefaultCapacity+5; i++ {
		_, err := b.Raise(warning("busy junction"))
		require.NoError(t, err)
	}
	assert.Len(t, b.List(Filter{}), DefaultCapacity)
	assert.Equal(t, DefaultCapacity, b.Capacity())
}

func TestBoard_KeyDeduplicatesOpenCondition(t *testing.T) {
	b := newTestBoard(clock.NewFake(epoch))

	first, err := b.Raise(DetectorOutage("detector"))
	require.NoError(t, err)
	again, err := b.Raise(DetectorOutage("detector"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, b.List(Filter{}), 1)

	// acknowledged conditions still absorb repeats
	_, err = b.Acknowledge(first.ID)
	require.NoError(t, err)
	again, err = b.Raise(DetectorOutage("detector"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	resolved := b.ResolveKey(OutageKey("detector"))
	require.Len(t, resolved, 1)
	assert.Equal(t, StatusResolved, resolved[0].Status)

	// once resolved, the condition can fire again
	next, err := b.Raise(DetectorOutage("detector"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Len(t, b.List(Filter{}), 2)
	assert.Empty(t, b.ResolveKey(""))
}

func TestBoard_AcknowledgeAndResolve(t *testing.T) {
	clk := clock.NewFake(epoch)
	events := &eventCollector{}
	b := newTestBoard(clk, WithPublisher(events))

	a, err := b.Raise(warning("Vehicle stopped in no-parking zone"))
	require.NoError(t, err)

	clk.Advance(time.Second)
	acked, err := b.Acknowledge(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, epoch.Add(time.Second), *acked.AcknowledgedAt)

	// second acknowledge changes nothing
	again, err := b.Acknowledge(a.ID)
	require.NoError(t, err)
	assert.Equal(t, acked, again)

	clk.Advance(time.Second)
	resolved, err := b.Resolve(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, epoch.Add(2*time.Second), *resolved.ResolvedAt)

	_, err = b.Acknowledge(a.ID)
	assert.True(t, errors.Is(err, ErrAlertResolved))
	_, err = b.Resolve(a.ID)
	require.NoError(t, err)

	_, err = b.Acknowledge("missing")
	assert.True(t, errors.Is(err, ErrAlertNotFound))
	_, err = b.Resolve("missing")
	assert.True(t, errors.Is(err, ErrAlertNotFound))

	assert.Equal(t, []string{EventTypeTriggered, EventTypeAcknowledged, EventTypeResolved}, events.Types())
}

func TestBoard_Dismiss(t *testing.T) {
	events := &eventCollector{}
	b := newTestBoard(clock.NewFake(epoch), WithPublisher(events))
	for i := 0; i < 3; i++ {
		_, err := b.Raise(warning("x"))
		require.NoError(t, err)
	}

	require.NoError(t, b.Dismiss("alert-2"))
	assert.Equal(t, []string{"alert-3", "alert-1"}, ids(b.List(Filter{})))
	assert.True(t, errors.Is(b.Dismiss("alert-2"), ErrAlertNotFound))

	types := events.Types()
	assert.Equal(t, EventTypeDismissed, types[len(types)-1])
}

func TestBoard_SweepResolvesAutoResolving(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := newTestBoard(clk, WithResolveAfter(10*time.Second))

	auto, err := b.Raise(Alert{Severity: SeverityInfo, Message: "Peak traffic detected", AutoResolve: true})
	require.NoError(t, err)
	sticky, err := b.Raise(Alert{Severity: SeverityCritical, Message: "Flagged vehicle detected"})
	require.NoError(t, err)
	acked, err := b.Raise(Alert{Severity: SeverityWarning, Message: "obscured", AutoResolve: true})
	require.NoError(t, err)
	_, err = b.Acknowledge(acked.ID)
	require.NoError(t, err)

	clk.Advance(9 * time.Second)
	assert.Empty(t, b.Sweep())

	clk.Advance(time.Second)
	resolved := b.Sweep()
	assert.Equal(t, []string{auto.ID}, ids(resolved))

	got, err := b.Get(sticky.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFiring, got.Status)
	got, err = b.Get(acked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, got.Status)
}

func TestBoard_RunSweepsOnTicks(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := newTestBoard(clk, WithResolveAfter(10*time.Second), WithSweepInterval(5*time.Second))

	a, err := b.Raise(Alert{Severity: SeverityInfo, Message: "Vehicle count threshold exceeded", AutoResolve: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)
	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		got, err := b.Get(a.ID)
		return err == nil && got.Status == StatusResolved
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBoard_ListFilterAndSummary(t *testing.T) {
	b := newTestBoard(clock.NewFake(epoch))
	raise := func(sev Severity) Alert {
		a, err := b.Raise(Alert{Severity: sev, Message: string(sev)})
		require.NoError(t, err)
		return a
	}
	c1 := raise(SeverityCritical)
	raise(SeverityWarning)
	c2 := raise(SeverityCritical)
	i1 := raise(SeverityInfo)

	_, err := b.Acknowledge(c1.ID)
	require.NoError(t, err)
	_, err = b.Resolve(i1.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{c2.ID, c1.ID}, ids(b.List(Filter{Severity: SeverityCritical})))
	assert.Equal(t, []string{c2.ID}, ids(b.List(Filter{Severity: SeverityCritical, Status: StatusFiring})))
	assert.Len(t, b.List(Filter{Limit: 2}), 2)

	want := Summary{
		Unread:       2,
		Acknowledged: 1,
		Resolved:     1,
		FiringBy:     map[Severity]int{SeverityCritical: 1, SeverityWarning: 1, SeverityInfo: 0},
	}
	if diff := cmp.Diff(want, b.Summary()); diff != "" {
		t.Errorf("Summary() mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{}.Validate())
	assert.NoError(t, Filter{Status: StatusFiring, Severity: SeverityInfo, Limit: 5}.Validate())
	assert.True(t, errors.Is(Filter{Status: "open"}.Validate(), ErrInvalidFilter))
	assert.True(t, errors.Is(Filter{Severity: "high"}.Validate(), ErrInvalidFilter))
	assert.True(t, errors.Is(Filter{Limit: -1}.Validate(), ErrInvalidFilter))
}

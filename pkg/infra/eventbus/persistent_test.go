package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/anpr-monitor/pkg/infra/logger"
	"github.com/jguan/anpr-monitor/pkg/unit"
)

func TestPersistentEventBus_PersistsOnClose(t *testing.T) {
	store := NewMemoryEventStore()
	bus := NewPersistentEventBus(store,
		WithPersistentBufferSize(16),
		WithBatchSize(10),
		WithFlushPeriod(time.Hour),
		WithBusOptions(WithLogger(logger.Discard())),
	)

	s := &sink{}
	_, err := bus.Subscribe(s.handle)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(newEvent("pipeline.stage_completed", "pipeline", "run-1")))
	}
	require.NoError(t, bus.Close())

	stored, err := bus.Query(context.Background(), EventQueryFilter{CorrelationID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Equal(t, 3, s.count())

	assert.True(t, errors.Is(bus.Publish(newEvent("a", "b", "c")), ErrClosed))
}

func TestPersistentEventBus_FlushesOnBatchSize(t *testing.T) {
	store := NewMemoryEventStore()
	bus := NewPersistentEventBus(store, WithBatchSize(2), WithFlushPeriod(time.Hour),
		WithBusOptions(WithLogger(logger.Discard())))
	defer bus.Close()

	require.NoError(t, bus.Publish(newEvent("feed.inserted", "feed", "a")))
	require.NoError(t, bus.Publish(newEvent("feed.inserted", "feed", "b")))

	require.Eventually(t, func() bool {
		events, _ := store.Query(context.Background(), EventQueryFilter{})
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPersistentEventBus_Replay(t *testing.T) {
	store := NewMemoryEventStore()
	bus := NewPersistentEventBus(store, WithBusOptions(WithLogger(logger.Discard())))

	require.NoError(t, bus.Publish(newEvent("pipeline.started", "pipeline", "run-7")))
	require.NoError(t, bus.Publish(newEvent("pipeline.completed", "pipeline", "run-7")))
	require.NoError(t, bus.Publish(newEvent("pipeline.started", "pipeline", "run-8")))
	require.NoError(t, bus.Close())

	var types []string
	err := bus.Replay(context.Background(), "run-7", func(e unit.Event) error {
		types = append(types, e.Type())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pipeline.started", "pipeline.completed"}, types)

	assert.True(t, errors.Is(bus.Replay(context.Background(), "run-7", nil), ErrNilHandler))

	stop := errors.New("stop")
	err = bus.Replay(context.Background(), "run-7", func(unit.Event) error { return stop })
	assert.True(t, errors.Is(err, stop))
}

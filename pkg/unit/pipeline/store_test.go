package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArchive_SaveAndGet(t *testing.T) {
	archive := NewMemoryArchive()
	ctx := context.Background()

	run := &Run{ID: "r1", Status: RunStatusCompleted, StartedAt: epoch, Stages: []StageState{{Name: "a", Status: StageCompleted}}}
	require.NoError(t, archive.SaveRun(ctx, run))

	run.Stages[0].Status = StageFailed

	got, err := archive.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, got.Stages[0].Status)

	_, err = archive.GetRun(ctx, "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestMemoryArchive_ListRuns(t *testing.T) {
	archive := NewMemoryArchive()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := RunStatusCompleted
		if i%2 == 1 {
			status = RunStatusFailed
		}
		require.NoError(t, archive.SaveRun(ctx, &Run{
			ID:        fmt.Sprintf("r%d", i),
			Status:    status,
			StartedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, total, err := archive.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, "r4", runs[0].ID)

	runs, total, err = archive.ListRuns(ctx, RunFilter{Status: RunStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"r3", "r1"}, []string{runs[0].ID, runs[1].ID})

	runs, total, err = archive.ListRuns(ctx, RunFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "r0", runs[0].ID)

	runs, _, err = archive.ListRuns(ctx, RunFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGenerateID(t *testing.T) {
	a := generateID("run")
	b := generateID("run")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("run-")+8)
}

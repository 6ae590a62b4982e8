package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestLatest_ResolvesByCreationTime(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	// A frozen clock still yields strictly increasing created_at.
	m.SetClock(fixedClock())

	first, err := m.Create(ctx, "A", Progress{Remaining: []string{"s1", "s2"}})
	require.NoError(t, err)
	second, err := m.Create(ctx, "A", Progress{Completed: []string{"s1"}, Remaining: []string{"s2"}})
	require.NoError(t, err)
	require.True(t, second.CreatedAt.After(first.CreatedAt))

	for i := 0; i < 3; i++ {
		got, ok := m.Latest("A")
		require.True(t, ok)
		assert.Equal(t, second.CheckpointID, got.CheckpointID)
		assert.Equal(t, []string{"s1"}, got.CompletedSteps)
	}

	// Updating the older checkpoint makes its new revision the latest.
	rev, err := m.Update(ctx, first.CheckpointID, Patch{StateData: map[string]any{"k": "v"}})
	require.NoError(t, err)
	got, _ := m.Latest("A")
	assert.Equal(t, first.CheckpointID, got.CheckpointID)
	assert.Equal(t, rev.CreatedAt, got.CreatedAt)

	_, ok := m.Latest("nobody")
	assert.False(t, ok)
}

func TestResumeContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemoryStore())

	cp, err := m.Create(ctx, "report", Progress{
		RoleName:  "writer",
		Current:   "outline",
		Remaining: []string{"outline", "draft", "edit"},
		StateData: map[string]any{"attempt": 1},
	})
	require.NoError(t, err)

	_, err = m.AddCompletedStep(ctx, cp.CheckpointID, "outline", "outline.md")
	require.NoError(t, err)
	_, err = m.AddCompletedStep(ctx, cp.CheckpointID, "draft", "")
	require.NoError(t, err)

	rc, err := m.ResumeContext(cp.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, []string{"edit"}, rc.RemainingSteps)
	assert.Equal(t, []string{"outline", "draft"}, rc.CompletedSteps)
	assert.Empty(t, rc.CurrentStep)
	assert.Equal(t, []string{"outline.md"}, rc.AccumulatedOutputs)
	assert.Equal(t, "writer", rc.RoleName)
	assert.Equal(t, 1, rc.StateData["attempt"])
}

func TestAddCompletedStep_Idempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	cp, err := m.Create(ctx, "A", Progress{Remaining: []string{"a", "b"}})
	require.NoError(t, err)

	_, err = m.AddCompletedStep(ctx, cp.CheckpointID, "a", "")
	require.NoError(t, err)
	got, err := m.AddCompletedStep(ctx, cp.CheckpointID, "a", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.CompletedSteps)
	assert.Equal(t, []string{"b"}, got.RemainingSteps)

	got, err = m.AddCompletedStep(ctx, cp.CheckpointID, "unplanned", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "unplanned"}, got.CompletedSteps)

	assert.Len(t, m.List("A"), 4, "every change is a new revision")
}

func TestUnknownCheckpoint(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Update(context.Background(), "missing", Patch{})
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = m.ResumeContext("missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestLoad_RebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	writer := NewManager(st)
	cp, err := writer.Create(ctx, "A", Progress{Remaining: []string{"x", "y"}})
	require.NoError(t, err)
	_, err = writer.AddCompletedStep(ctx, cp.CheckpointID, "x", "out-x")
	require.NoError(t, err)

	reader := NewManager(st)
	_, ok := reader.Latest("A")
	require.False(t, ok)

	found, err := reader.Load(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)

	latest, ok := reader.Latest("A")
	require.True(t, ok)
	assert.Equal(t, cp.CheckpointID, latest.CheckpointID)
	assert.Equal(t, []string{"y"}, latest.RemainingSteps)
	assert.Equal(t, []string{"out-x"}, latest.AccumulatedOutputs)
	assert.Len(t, reader.List("A"), 2)

	// New revisions after a reload keep appending.
	_, err = reader.AddCompletedStep(ctx, cp.CheckpointID, "y", "")
	require.NoError(t, err)
	assert.Len(t, reader.List("A"), 3)
}

func TestConcurrentRevisions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil)
	steps := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7"}
	cp, err := m.Create(ctx, "A", Progress{Remaining: steps})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range steps {
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			_, err := m.AddCompletedStep(ctx, cp.CheckpointID, step, "")
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	latest, _ := m.Latest("A")
	assert.Empty(t, latest.RemainingSteps)
	assert.ElementsMatch(t, steps, latest.CompletedSteps)
}

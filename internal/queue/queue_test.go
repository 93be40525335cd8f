package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubemend/kubemend/internal/sched"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "queue.db"), zerolog.Nop())
	require.NoError(t, s.Init(context.Background()))
	return s
}

func item(id string, risk, probability, expectedTime float64, kev bool) Item {
	i := Item{PolicyID: "no_privileged", State: StateQueued}
	i.ID = id
	i.Risk = risk
	i.Probability = probability
	i.ExpectedTime = expectedTime
	i.KEV = kev
	return i
}

func TestInit_Idempotent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Init(context.Background()))
}

func TestEnqueueAndList(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, []Item{
		item("a", 80, 0.9, 5, true),
		item("b", 40, 0.8, 8, false),
	}))

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, StateQueued, items[0].State)
	assert.Equal(t, 80.0, items[0].Risk)
	assert.True(t, items[0].KEV)
	assert.Equal(t, 3, items[0].MaxAttempts, "default cap applied")
	assert.False(t, items[0].EnqueuedAt.IsZero())
}

func TestEnqueue_ReenqueueOverwrites(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	first := item("a", 80, 0.9, 5, true)
	require.NoError(t, s.Enqueue(ctx, []Item{first}))

	second := item("a", 95, 0.7, 3, true)
	require.NoError(t, s.Enqueue(ctx, []Item{second}))

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "same id upserts, never appends")
	assert.Equal(t, 95.0, items[0].Risk)
	assert.Equal(t, 0, items[0].Attempts, "re-enqueue resets attempts")
}

func TestPickNext_NonMutatingAndRepeatable(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	p := sched.DefaultParams()

	require.NoError(t, s.Enqueue(ctx, []Item{
		item("low", 40, 0.8, 8, false),
		item("high", 80, 0.9, 5, true),
	}))

	for i := 0; i < 3; i++ {
		picked, err := s.PickNext(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, picked)
		assert.Equal(t, "high", picked.ID, "same top item every call")
	}

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2, "picking leaves the queue untouched")
	for _, it := range items {
		assert.Equal(t, StateQueued, it.State)
	}
}

func TestPickNext_EmptyQueue(t *testing.T) {
	s := testStore(t)
	picked, err := s.PickNext(context.Background(), sched.DefaultParams())
	require.NoError(t, err)
	assert.Nil(t, picked)
}

func TestList_WaitRecomputedFromEnqueueTime(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Enqueue(ctx, []Item{item("a", 40, 0.8, 8, false)}))

	s.now = func() time.Time { return base.Add(36 * time.Hour) }
	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.InDelta(t, 36.0, items[0].Wait, 0.01, "wait derives from enqueued_at at read time")
}

func TestPickNext_AgingFlipsOrder(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	p := sched.DefaultParams()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// "stale" enqueued three days before "fresh"; fresh has the better
	// risk-per-minute ratio.
	s.now = func() time.Time { return base }
	require.NoError(t, s.Enqueue(ctx, []Item{item("stale", 20, 0.8, 8, false)}))

	s.now = func() time.Time { return base.Add(72 * time.Hour) }
	require.NoError(t, s.Enqueue(ctx, []Item{item("fresh", 60, 0.9, 5, false)}))

	picked, err := s.PickNext(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, picked)
	// stale: 2 + 0.5×72 = 38; fresh: 10.8.
	assert.Equal(t, "stale", picked.ID)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Enqueue(ctx, []Item{item("a", 80, 0.9, 5, true)}))
	require.NoError(t, s.Complete(ctx, "a"))

	items, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	err = s.Complete(ctx, "a")
	require.Error(t, err, "completing a missing item is an error")
	assert.Contains(t, err.Error(), "not found")
}

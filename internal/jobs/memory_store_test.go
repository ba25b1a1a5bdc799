package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore(nil)
	})
}

func TestMemoryStore_GetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.Create(ctx, &Job{ID: "snap"}))

	got, err := s.Get(ctx, "snap")
	require.NoError(t, err)
	got.Status = StatusFailed

	again, err := s.Get(ctx, "snap")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)
}

func TestMemoryStore_SweepHonoursPolicy(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := NewMemoryStore(TTL(time.Minute))

	require.NoError(t, s.Create(ctx, &Job{ID: "old"}))
	require.NoError(t, s.Complete(ctx, "old", extract.Text("x"), now.Add(-2*time.Minute)))
	require.NoError(t, s.Create(ctx, &Job{ID: "fresh"}))
	require.NoError(t, s.Fail(ctx, "fresh", "InferenceFailed", "d", now))
	require.NoError(t, s.Create(ctx, &Job{ID: "running"}))

	assert.Equal(t, 1, s.Sweep(now))
	assert.Equal(t, 2, s.Len())

	_, err := s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(ctx, "running")
	assert.NoError(t, err)
}

func TestMemoryStore_KeepForeverNeverSweeps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(KeepForever{})
	require.NoError(t, s.Create(ctx, &Job{ID: "a"}))
	require.NoError(t, s.Complete(ctx, "a", extract.Text("x"), time.Unix(0, 0)))

	assert.Zero(t, s.Sweep(time.Now()))
	assert.Equal(t, 1, s.Len())
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, KeepForever{}, PolicyFor(0))
	assert.Equal(t, TTL(time.Hour), PolicyFor(time.Hour))
}

type countingSweeper struct{ calls chan time.Time }

func (c *countingSweeper) Sweep(now time.Time) int {
	select {
	case c.calls <- now:
	default:
	}
	return 1
}

func TestRunSweeper_TicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &countingSweeper{calls: make(chan time.Time, 10)}

	done := make(chan error, 1)
	go func() { done <- RunSweeper(ctx, discardLogger(), sw, 10*time.Millisecond) }()

	select {
	case <-sw.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ran")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Error(t, RunSweeper(context.Background(), discardLogger(), sw, 0))
}

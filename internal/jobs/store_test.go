package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create then get is processing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &Job{ID: "job-1", CreatedAt: now}))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
		assert.Nil(t, got.Result)
		assert.Empty(t, got.Error)
		assert.Nil(t, got.CompletedAt)
		assert.True(t, got.CreatedAt.Equal(now), "created_at %v != %v", got.CreatedAt, now)
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &Job{ID: "dup"}))
		assert.ErrorIs(t, s.Create(ctx, &Job{ID: "dup"}), ErrJobExists)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "never-issued")
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.ErrorIs(t, s.Complete(ctx, "never-issued", extract.Text("x"), now), ErrJobNotFound)
		assert.ErrorIs(t, s.Fail(ctx, "never-issued", "UnexpectedFault", "d", now), ErrJobNotFound)
	})

	t.Run("complete is terminal and reads are idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &Job{ID: "ok"}))
		result := extract.Structured(map[string]any{"a": float64(1), "b": float64(2)})
		require.NoError(t, s.Complete(ctx, "ok", result, now))

		first, err := s.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, first.Status)
		require.NotNil(t, first.Result)
		assert.Equal(t, result.Fields, first.Result.Fields)
		assert.Empty(t, first.Error)
		require.NotNil(t, first.CompletedAt)

		assert.ErrorIs(t, s.Fail(ctx, "ok", "UnexpectedFault", "late", now), ErrJobTerminal)
		assert.ErrorIs(t, s.Complete(ctx, "ok", extract.Text("again"), now), ErrJobTerminal)

		second, err := s.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("fail records error and details", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &Job{ID: "bad"}))
		require.NoError(t, s.Fail(ctx, "bad", "InferenceFailed", "command: x\nexit code: 1", now))

		got, err := s.Get(ctx, "bad")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "InferenceFailed", got.Error)
		assert.Equal(t, "command: x\nexit code: 1", got.Details)
		assert.Nil(t, got.Result)

		assert.ErrorIs(t, s.Complete(ctx, "bad", extract.Text("x"), now), ErrJobTerminal)
	})

	t.Run("text result round trip", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, &Job{ID: "txt"}))
		require.NoError(t, s.Complete(ctx, "txt", extract.Text("A red circle."), now))

		got, err := s.Get(ctx, "txt")
		require.NoError(t, err)
		require.NotNil(t, got.Result)
		assert.Equal(t, extract.Text("A red circle."), *got.Result)
	})

	t.Run("concurrent writers do not overwrite each other", func(t *testing.T) {
		s := newStore(t)
		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("c-%d", i)
				assert.NoError(t, s.Create(ctx, &Job{ID: id}))
				if i%2 == 0 {
					assert.NoError(t, s.Complete(ctx, id, extract.Text(id), now))
				} else {
					assert.NoError(t, s.Fail(ctx, id, "UnexpectedFault", id, now))
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			id := fmt.Sprintf("c-%d", i)
			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			if i%2 == 0 {
				assert.Equal(t, StatusCompleted, got.Status)
				assert.Equal(t, id, got.Result.Description)
			} else {
				assert.Equal(t, StatusFailed, got.Status)
				assert.Equal(t, id, got.Details)
			}
		}
	})
}

package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

func newTestSQLiteStore(t *testing.T, policy RetentionPolicy) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"), policy, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t, nil)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")

	first, err := NewSQLiteStore(path, nil, discardLogger())
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, &Job{ID: "persisted"}))
	require.NoError(t, first.Complete(ctx, "persisted", extract.Structured(map[string]any{"k": "v"}), time.Now()))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path, nil, discardLogger())
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "v", got.Result.Fields["k"])
}

func TestSQLiteStore_SweepDeletesExpiredTerminalJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s := newTestSQLiteStore(t, TTL(time.Minute))

	require.NoError(t, s.Create(ctx, &Job{ID: "old"}))
	require.NoError(t, s.Fail(ctx, "old", "InferenceFailed", "d", now.Add(-time.Hour)))
	require.NoError(t, s.Create(ctx, &Job{ID: "running"}))

	assert.Equal(t, 1, s.Sweep(now))
	_, err := s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Get(ctx, "running")
	assert.NoError(t, err)
}

func TestSQLiteStore_SweepWithoutTTLKeepsAll(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t, nil)
	require.NoError(t, s.Create(ctx, &Job{ID: "a"}))
	require.NoError(t, s.Complete(ctx, "a", extract.Text("x"), time.Unix(0, 0)))

	assert.Zero(t, s.Sweep(time.Now()))
}

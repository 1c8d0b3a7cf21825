package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	for i, status := range []string{StatusCompleted, StatusSkipped, StatusFailed} {
		require.NoError(t, s.Record(ctx, Run{
			ID:         status,
			JobName:    "indices-refresh",
			Trigger:    "cron",
			Status:     status,
			Attempts:   1,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}
	require.NoError(t, s.Record(ctx, Run{ID: "other", JobName: "daily-nav", Status: StatusCompleted, FinishedAt: base}))

	runs, err := s.Recent(ctx, "indices-refresh", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, StatusSkipped, runs[1].Status)
	assert.Equal(t, "cron", runs[0].Trigger)
	assert.True(t, runs[0].FinishedAt.Equal(base.Add(2*time.Minute+time.Second)))
}

func TestSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Run{ID: "1", JobName: "daily-nav", Status: StatusCompleted, FinishedAt: at}))
	require.NoError(t, s.Record(ctx, Run{ID: "2", JobName: "daily-nav", Status: StatusCompleted, FinishedAt: at.Add(time.Hour)}))
	require.NoError(t, s.Record(ctx, Run{ID: "3", JobName: "daily-nav", Status: StatusFailed, Error: "timeout", FinishedAt: at}))

	totals, err := s.Summary(ctx)
	require.NoError(t, err)

	nav := totals["daily-nav"]
	assert.Equal(t, 2, nav.Completed)
	assert.Equal(t, 1, nav.Failed)
	require.NotNil(t, nav.LastRunAt)
	assert.True(t, nav.LastRunAt.Equal(at.Add(time.Hour)))
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Run{ID: "old", JobName: "j", Status: StatusCompleted, FinishedAt: at.AddDate(0, -2, 0)}))
	require.NoError(t, s.Record(ctx, Run{ID: "new", JobName: "j", Status: StatusCompleted, FinishedAt: at}))

	n, err := s.Prune(ctx, at.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}

func TestDuplicateRunID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, Run{ID: "x", JobName: "j", Status: StatusCompleted}))
	assert.Error(t, s.Record(ctx, Run{ID: "x", JobName: "j", Status: StatusCompleted}))
}

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/opsgate/internal/model"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func execution(id, jobID string, status model.ExecutionStatus, finished time.Time) *model.JobExecution {
	return &model.JobExecution{
		ID:           id,
		JobID:        jobID,
		JobName:      "job-" + jobID,
		Attempt:      1,
		Status:       status,
		ScheduledFor: finished.Add(-time.Second),
		StartedAt:    finished.Add(-500 * time.Millisecond),
		FinishedAt:   finished,
		Duration:     500 * time.Millisecond,
	}
}

func logsUnderTest(t *testing.T) map[string]ExecutionLog {
	t.Helper()

	sqlite, err := NewSQLiteLog(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]ExecutionLog{
		"memory": NewMemoryLog(0),
		"sqlite": sqlite,
	}
}

func TestExecutionLog(t *testing.T) {
	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, log.Ping(ctx))

			retryAt := base.Add(time.Minute)
			failed := execution("e1", "a", model.ExecutionStatusFailed, base)
			failed.Error = "boom"
			failed.RetryAt = &retryAt

			require.NoError(t, log.Append(ctx, failed))
			require.NoError(t, log.Append(ctx, execution("e2", "a", model.ExecutionStatusCompleted, base.Add(time.Minute))))
			require.NoError(t, log.Append(ctx, execution("e3", "b", model.ExecutionStatusCompleted, base.Add(2*time.Minute))))

			t.Run("List newest first", func(t *testing.T) {
				all, err := log.List(ctx, ExecutionFilter{})
				require.NoError(t, err)
				require.Len(t, all, 3)
				assert.Equal(t, "e3", all[0].ID)
				assert.Equal(t, "e2", all[1].ID)
				assert.Equal(t, "e1", all[2].ID)
			})

			t.Run("Round trip", func(t *testing.T) {
				execs, err := log.List(ctx, ExecutionFilter{Status: model.ExecutionStatusFailed})
				require.NoError(t, err)
				require.Len(t, execs, 1)
				got := execs[0]
				assert.Equal(t, "job-a", got.JobName)
				assert.Equal(t, "boom", got.Error)
				assert.Equal(t, 500*time.Millisecond, got.Duration)
				assert.True(t, got.FinishedAt.Equal(base))
				require.NotNil(t, got.RetryAt)
				assert.True(t, got.RetryAt.Equal(retryAt))
			})

			t.Run("ForJob", func(t *testing.T) {
				execs, err := log.ForJob(ctx, "a")
				require.NoError(t, err)
				require.Len(t, execs, 2)
				assert.Equal(t, "e2", execs[0].ID)
			})

			t.Run("Limit", func(t *testing.T) {
				execs, err := log.List(ctx, ExecutionFilter{Limit: 1})
				require.NoError(t, err)
				require.Len(t, execs, 1)
				assert.Equal(t, "e3", execs[0].ID)
			})

			t.Run("DeleteBefore", func(t *testing.T) {
				removed, err := log.DeleteBefore(ctx, base.Add(90*time.Second))
				require.NoError(t, err)
				assert.Equal(t, int64(2), removed)

				execs, err := log.List(ctx, ExecutionFilter{})
				require.NoError(t, err)
				require.Len(t, execs, 1)
				assert.Equal(t, "e3", execs[0].ID)
			})
		})
	}
}

func TestMemoryLogEvictsOldest(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(3)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("e%d", i)
		require.NoError(t, log.Append(ctx, execution(id, "a", model.ExecutionStatusCompleted, base.Add(time.Duration(i)*time.Second))))
	}

	assert.Equal(t, 3, log.Len())
	execs, err := log.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "e4", execs[0].ID)
	assert.Equal(t, "e2", execs[2].ID)

	// Appending after a retention sweep keeps insertion order
	_, err = log.DeleteBefore(ctx, base.Add(3*time.Second))
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, execution("e5", "a", model.ExecutionStatusCompleted, base.Add(5*time.Second))))

	execs, err = log.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "e5", execs[0].ID)
	assert.Equal(t, "e4", execs[1].ID)
	assert.Equal(t, "e3", execs[2].ID)
}

func TestMemoryLogCopiesRecords(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(10)

	exec := execution("e1", "a", model.ExecutionStatusCompleted, base)
	require.NoError(t, log.Append(ctx, exec))
	exec.Status = model.ExecutionStatusFailed

	execs, err := log.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, execs[0].Status)
}

func TestSQLiteLogReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	log, err := NewSQLiteLog(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, execution("e1", "a", model.ExecutionStatusCompleted, base)))
	require.NoError(t, log.Close())

	log, err = NewSQLiteLog(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer log.Close()

	execs, err := log.ForJob(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

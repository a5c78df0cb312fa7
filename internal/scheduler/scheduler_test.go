package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestAddTaskWithValidSchedule(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	require.NoError(t, s.AddTask("refresh", noop, DayRefresh, NightRefresh))

	task, ok := s.tasks["refresh"]
	require.True(t, ok)
	assert.Len(t, task.entries, 2)
	assert.Len(t, s.cron.Entries(), 2)
}

func TestAddTaskWithInvalidSchedule(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	err := s.AddTask("refresh", noop, DayRefresh, "invalid-cron-expression")
	assert.Error(t, err)
	assert.NotContains(t, s.tasks, "refresh")
	assert.Empty(t, s.cron.Entries())
}

func TestAddExistingTaskReplacesSchedules(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	require.NoError(t, s.AddTask("markets", noop, Every(15*time.Minute)))
	require.NoError(t, s.AddTask("markets", noop, "0 0 * * *"))

	assert.Equal(t, []string{"0 0 * * *"}, s.tasks["markets"].Schedules)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestRemoveTask(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	require.NoError(t, s.AddTask("refresh", noop, DayRefresh))
	s.RemoveTask("refresh")

	assert.NotContains(t, s.tasks, "refresh")
	assert.Empty(t, s.cron.Entries())
	assert.True(t, s.Next("refresh").IsZero())
}

func TestRunIsSingleFlight(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.AddTask("refresh", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), "refresh") }()
	<-started

	assert.True(t, s.Running("refresh"))
	assert.ErrorIs(t, s.Run(context.Background(), "refresh"), ErrAlreadyRunning)
	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Running("refresh"))
}

func TestRunReturnsJobError(t *testing.T) {
	s := NewScheduler(time.UTC, logr.Discard())
	boom := errors.New("boom")
	require.NoError(t, s.AddTask("group", func(context.Context) error { return boom }))

	assert.ErrorIs(t, s.Run(context.Background(), "group"), boom)
	// a failed run releases the task
	assert.ErrorIs(t, s.Run(context.Background(), "group"), boom)
	assert.Error(t, s.Run(context.Background(), "missing"))
}

func TestRefreshSchedules(t *testing.T) {
	day, err := cron.ParseStandard(DayRefresh)
	require.NoError(t, err)
	night, err := cron.ParseStandard(NightRefresh)
	require.NoError(t, err)

	at := time.Date(2024, 3, 12, 17, 50, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC), day.Next(at))
	assert.Equal(t, time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC), night.Next(at))

	// the day schedule keeps its quarter-hour runs through 18:45
	at = time.Date(2024, 3, 12, 18, 35, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 12, 18, 45, 0, 0, time.UTC), day.Next(at))
	at = time.Date(2024, 3, 12, 18, 50, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC), day.Next(at))

	at = time.Date(2024, 3, 12, 9, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 12, 9, 15, 0, 0, time.UTC), day.Next(at))

	at = time.Date(2024, 3, 12, 23, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 13, 18, 0, 0, 0, time.UTC), night.Next(at))
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 15m0s", Every(15*time.Minute))
	_, err := cron.ParseStandard(Every(15 * time.Minute))
	assert.NoError(t, err)
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scheduler_test.go
Description: Tests for the task queue, cron expressions and the task scheduler.
*/

package core_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleascm/packetstorm/pkg/core"
	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTaskQueueOrder(t *testing.T) {
	q := core.NewTaskQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.Push("c", base.Add(3*time.Second), 1)
	q.Push("a", base.Add(time.Second), 1)
	q.Push("b1", base.Add(2*time.Second), 1)
	q.Push("b2", base.Add(2*time.Second), 1)

	next, ok := q.NextRun()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), next)

	_, ok = q.PopDue(base)
	assert.False(t, ok, "nothing is due yet")

	var order []string
	for {
		e, ok := q.PopDue(base.Add(time.Minute))
		if !ok {
			break
		}
		order = append(order, e.TaskID)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, order)
	assert.Zero(t, q.Len())
	assert.EqualValues(t, 4, q.Stats()["pops"])

	_, ok = q.NextRun()
	assert.False(t, ok)
}

func TestTaskQueueProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := core.NewTaskQueue()
		base := time.Unix(0, 0)
		offsets := rapid.SliceOfN(rapid.IntRange(0, 1000), 1, 50).Draw(t, "offsets")
		for _, o := range offsets {
			q.Push("t", base.Add(time.Duration(o)*time.Millisecond), 0)
		}
		var prev time.Time
		for i := range offsets {
			e, ok := q.PopDue(base.Add(time.Hour))
			require.True(t, ok, "entry %d", i)
			require.False(t, e.RunAt.Before(prev))
			prev = e.RunAt
		}
		require.Zero(t, q.Len())
	})
}

func TestParseCron(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/15 * * * *",
		"0 9 * * 1-5",
		"0,30 8-18/2 1 */3 0",
		"5/10 * * * *",
		"  0   0  *  *  *  ",
	}
	for _, expr := range valid {
		_, err := core.ParseCron(expr)
		assert.NoError(t, err, expr)
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
	}
	for _, expr := range invalid {
		_, err := core.ParseCron(expr)
		assert.ErrorIs(t, err, core.ErrInvalidCron, expr)
	}

	c, err := core.ParseCron("  0   0  *  *  *  ")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * *", c.String())
}

func TestCronNext(t *testing.T) {
	at := func(s string) time.Time {
		v, err := time.Parse("2006-01-02 15:04:05", s)
		require.NoError(t, err)
		return v
	}
	cases := []struct {
		expr  string
		after string
		want  string
	}{
		{"*/15 * * * *", "2026-10-19 10:07:30", "2026-10-19 10:15:00"},
		{"*/15 * * * *", "2026-10-19 10:15:00", "2026-10-19 10:30:00"},
		{"* * * * *", "2026-10-19 23:59:59", "2026-10-20 00:00:00"},
		{"0 9 * * 1", "2026-10-18 12:00:00", "2026-10-19 09:00:00"},
		{"0 9 * * 1", "2026-10-19 09:00:00", "2026-10-26 09:00:00"},
		{"30 2 1 * *", "2026-01-15 00:00:00", "2026-02-01 02:30:00"},
		{"0 0 1 1 *", "2026-06-01 00:00:00", "2027-01-01 00:00:00"},
		{"0 0 29 2 *", "2027-03-01 00:00:00", "2028-02-29 00:00:00"},
	}
	for _, tc := range cases {
		c, err := core.ParseCron(tc.expr)
		require.NoError(t, err)
		got, err := c.Next(at(tc.after))
		require.NoError(t, err, tc.expr)
		assert.Equal(t, at(tc.want), got, "%s after %s", tc.expr, tc.after)
	}

	never, err := core.ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	_, err = never.Next(at("2026-01-01 00:00:00"))
	assert.ErrorIs(t, err, core.ErrInvalidCron)
}

func TestCronNextProperty(t *testing.T) {
	c, err := core.ParseCron("*/5 * * * *")
	require.NoError(t, err)
	rapid.Check(t, func(t *rapid.T) {
		after := time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "unix"), 0).UTC()
		next, err := c.Next(after)
		require.NoError(t, err)
		require.True(t, next.After(after))
		require.Zero(t, next.Minute()%5)
		require.Zero(t, next.Second())
		require.LessOrEqual(t, next.Sub(after), 5*time.Minute)
	})
}

func startScheduler(t *testing.T) *core.Scheduler {
	t.Helper()
	s := core.NewScheduler(quietLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func taskState(s *core.Scheduler, id string) core.TaskState {
	info, err := s.Get(id)
	if err != nil {
		return ""
	}
	return info.State
}

func TestPeriodicTaskHonoursMaxRuns(t *testing.T) {
	s := startScheduler(t)
	var runs atomic.Int32
	id, err := s.AddPeriodic("tick", time.Second, 3, true, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond,
		"first run is immediate")
	require.Eventually(t, func() bool { return taskState(s, id) == core.TaskCompleted }, 5*time.Second, 10*time.Millisecond)

	info, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.RunCount)
	assert.EqualValues(t, 3, runs.Load())
	assert.False(t, info.IsRecurring)
	assert.Nil(t, info.NextRun)
	require.NotNil(t, info.LastRun)
	assert.Equal(t, core.TaskPeriodic, info.Kind)
	assert.Equal(t, 1.0, info.IntervalSeconds)
}

func TestDelayedTask(t *testing.T) {
	s := startScheduler(t)
	var runs atomic.Int32
	start := time.Now()
	var ranAt atomic.Int64
	id := s.AddDelayed("once", 30*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		ranAt.Store(time.Since(start).Nanoseconds())
		return nil
	})
	assert.Equal(t, "task-0001", id)

	require.Eventually(t, func() bool { return taskState(s, id) == core.TaskCompleted }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()), 30*time.Millisecond)
}

func TestFailingTaskIsNotRescheduled(t *testing.T) {
	s := startScheduler(t)
	var runs atomic.Int32
	id, err := s.AddPeriodic("flaky", 10*time.Millisecond, 0, true, func(context.Context) error {
		runs.Add(1)
		return errors.New("target unreachable")
	})
	require.NoError(t, err)
	panicky := s.AddDelayed("panicky", 0, func(context.Context) error { panic("boom") })

	require.Eventually(t, func() bool { return taskState(s, id) == core.TaskFailed }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return taskState(s, panicky) == core.TaskFailed }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	info, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.RunCount)
	assert.EqualValues(t, 1, runs.Load())
	assert.Equal(t, "target unreachable", info.LastError)

	info, err = s.Get(panicky)
	require.NoError(t, err)
	assert.Contains(t, info.LastError, "task panic: boom")
}

func TestPauseResumeCancel(t *testing.T) {
	s := startScheduler(t)
	var runs atomic.Int32
	id, err := s.AddPeriodic("hourly", time.Hour, 0, false, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.True(t, s.Pause(id))
	assert.False(t, s.Pause(id), "already paused")
	assert.Equal(t, core.TaskPaused, taskState(s, id))

	require.True(t, s.Resume(id))
	assert.False(t, s.Resume(id))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"a resumed task is due immediately")
	require.Eventually(t, func() bool { return taskState(s, id) == core.TaskPending }, time.Second, 5*time.Millisecond)

	info, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, info.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *info.NextRun, 5*time.Second)
	assert.True(t, info.IsRecurring)

	require.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	assert.Equal(t, core.TaskCancelled, taskState(s, id))
	assert.Empty(t, s.List())
	assert.False(t, s.Cancel("task-9999"))

	_, err = s.Get("task-9999")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestCancelledTaskNeverRuns(t *testing.T) {
	s := startScheduler(t)
	var runs atomic.Int32
	id := s.AddDelayed("later", 50*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.True(t, s.Cancel(id))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestSchedulerValidation(t *testing.T) {
	s := core.NewScheduler(quietLogger())

	_, err := s.AddPeriodic("zero", 0, 0, false, nil)
	assert.ErrorIs(t, err, core.ErrInvalidInterval)
	_, err = s.AddPeriodic("negative", time.Second, -1, false, nil)
	assert.Error(t, err)
	_, err = s.AddCron("bad", "every day", 0, nil)
	assert.ErrorIs(t, err, core.ErrInvalidCron)

	id, err := s.AddCron("nightly", "0 3 * * *", 0, nil)
	require.NoError(t, err)
	info, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCron, info.Kind)
	assert.Equal(t, "0 3 * * *", info.Cron)
	require.NotNil(t, info.NextRun)
	assert.Equal(t, 3, info.NextRun.Hour())
	assert.Zero(t, info.NextRun.Minute())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), core.ErrSchedulerRunning)
	s.Stop()
	s.Stop()
}

func TestSchedulerStopsWithContext(t *testing.T) {
	s := core.NewScheduler(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	var runs atomic.Int32
	blocked := make(chan struct{})
	_ = s.AddDelayed("blocking", 0, func(ctx context.Context) error {
		runs.Add(1)
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	<-blocked
	cancel()
	s.Stop()
	assert.EqualValues(t, 1, runs.Load())
}

func TestSchedulerMetrics(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	s := startScheduler(t)
	s.SetMetrics(metrics)

	_, err := s.AddPeriodic("a", time.Hour, 0, false, nil)
	require.NoError(t, err)
	_, err = s.AddPeriodic("b", time.Hour, 0, false, nil)
	require.NoError(t, err)
	done := s.AddDelayed("c", 0, nil)

	require.Eventually(t, func() bool { return taskState(s, done) == core.TaskCompleted }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Tasks.WithLabelValues("completed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Tasks.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Tasks.WithLabelValues("failed")))

	counts := s.Counts()
	assert.Equal(t, 2, counts["pending"])
	assert.Equal(t, 1, counts["completed"])
	assert.Len(t, s.List(), 3)
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scheduler.go
Description: Task scheduler for delayed, periodic and cron-driven runs. A single background
goroutine pops due entries from the TaskQueue and runs them one at a time; recurring tasks
are re-queued with a freshly computed next run, and a failed run is never rescheduled.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kleascm/packetstorm/pkg/monitoring"
	"github.com/sirupsen/logrus"
)

// TaskState is the lifecycle state of a scheduled task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskCancelled TaskState = "cancelled"
	TaskFailed    TaskState = "failed"
	TaskPaused    TaskState = "paused"
)

// TaskStates lists every task state
var TaskStates = []TaskState{TaskPending, TaskRunning, TaskCompleted, TaskCancelled, TaskFailed, TaskPaused}

// TaskKind is how a task is scheduled
type TaskKind string

const (
	TaskDelayed  TaskKind = "delayed"
	TaskPeriodic TaskKind = "periodic"
	TaskCron     TaskKind = "cron"
)

// TaskFunc is the work of a task; ctx ends when the scheduler stops
type TaskFunc func(ctx context.Context) error

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidInterval  = errors.New("interval must be positive")
	ErrSchedulerRunning = errors.New("scheduler already running")
)

type scheduledTask struct {
	id        string
	name      string
	kind      TaskKind
	fn        TaskFunc
	interval  time.Duration
	cron      *CronExpr
	maxRuns   int // 0 is unlimited for recurring tasks
	runCount  int
	state     TaskState
	nextRun   time.Time
	lastRun   time.Time
	lastError string
	createdAt time.Time
	gen       uint64
}

func (t *scheduledTask) recurring() bool {
	if t.kind == TaskDelayed {
		return false
	}
	return t.maxRuns == 0 || t.runCount < t.maxRuns
}

// TaskInfo is the public view of a task
type TaskInfo struct {
	ID              string     `json:"task_id"`
	Name            string     `json:"name"`
	Kind            TaskKind   `json:"kind"`
	State           TaskState  `json:"state"`
	NextRun         *time.Time `json:"next_run"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	IntervalSeconds float64    `json:"interval_seconds"`
	Cron            string     `json:"cron,omitempty"`
	RunCount        int        `json:"run_count"`
	MaxRuns         int        `json:"max_runs"`
	IsRecurring     bool       `json:"is_recurring"`
	LastError       string     `json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (t *scheduledTask) info() TaskInfo {
	ti := TaskInfo{
		ID:              t.id,
		Name:            t.name,
		Kind:            t.kind,
		State:           t.state,
		IntervalSeconds: t.interval.Seconds(),
		RunCount:        t.runCount,
		MaxRuns:         t.maxRuns,
		IsRecurring:     t.recurring(),
		LastError:       t.lastError,
		CreatedAt:       t.createdAt,
	}
	if t.state == TaskPending || t.state == TaskPaused {
		next := t.nextRun
		ti.NextRun = &next
	}
	if !t.lastRun.IsZero() {
		last := t.lastRun
		ti.LastRun = &last
	}
	if t.cron != nil {
		ti.Cron = t.cron.String()
	}
	return ti
}

// Scheduler runs tasks at their scheduled times
type Scheduler struct {
	logger  *logrus.Logger
	log     *logrus.Entry
	metrics *monitoring.Metrics
	now     func() time.Time

	mu     sync.Mutex
	tasks  map[string]*scheduledTask
	queue  *TaskQueue
	nextID int

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		logger: logger,
		log:    logger.WithField("component", "sched"),
		now:    time.Now,
		tasks:  make(map[string]*scheduledTask),
		queue:  NewTaskQueue(),
		wake:   make(chan struct{}, 1),
	}
}

// SetMetrics publishes task state counts to m after every change
func (s *Scheduler) SetMetrics(m *monitoring.Metrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
	s.publish()
}

// AddDelayed runs fn once after delay
func (s *Scheduler) AddDelayed(name string, delay time.Duration, fn TaskFunc) string {
	s.mu.Lock()
	t := s.newTaskLocked(name, TaskDelayed, fn)
	t.maxRuns = 1
	t.nextRun = s.now().Add(delay)
	s.enqueueLocked(t)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"task_id": t.id, "task": t.name, "delay": delay.String()}).Info("Scheduled delayed task")
	s.signal()
	return t.id
}

// AddPeriodic runs fn every interval, at most maxRuns times (0 is unlimited). The first
// run is immediate when startImmediately is set, otherwise one interval from now.
func (s *Scheduler) AddPeriodic(name string, interval time.Duration, maxRuns int, startImmediately bool, fn TaskFunc) (string, error) {
	if interval <= 0 {
		return "", ErrInvalidInterval
	}
	if maxRuns < 0 {
		return "", fmt.Errorf("max runs must not be negative: %d", maxRuns)
	}

	s.mu.Lock()
	t := s.newTaskLocked(name, TaskPeriodic, fn)
	t.interval = interval
	t.maxRuns = maxRuns
	t.nextRun = s.now()
	if !startImmediately {
		t.nextRun = t.nextRun.Add(interval)
	}
	s.enqueueLocked(t)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"task_id":  t.id,
		"task":     t.name,
		"interval": interval.String(),
		"max_runs": maxRuns,
	}).Info("Scheduled periodic task")
	s.signal()
	return t.id, nil
}

// AddCron runs fn at every time matching expr, at most maxRuns times (0 is unlimited).
// A malformed expression fails with ErrInvalidCron and schedules nothing.
func (s *Scheduler) AddCron(name, expr string, maxRuns int, fn TaskFunc) (string, error) {
	cron, err := ParseCron(expr)
	if err != nil {
		return "", err
	}
	next, err := cron.Next(s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	t := s.newTaskLocked(name, TaskCron, fn)
	t.cron = cron
	t.maxRuns = maxRuns
	t.nextRun = next
	s.enqueueLocked(t)
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"task_id":  t.id,
		"task":     t.name,
		"cron":     cron.String(),
		"next_run": next.Format(time.RFC3339),
	}).Info("Scheduled cron task")
	s.signal()
	return t.id, nil
}

func (s *Scheduler) newTaskLocked(name string, kind TaskKind, fn TaskFunc) *scheduledTask {
	s.nextID++
	id := fmt.Sprintf("task-%04d", s.nextID)
	if name == "" {
		name = fmt.Sprintf("%s-%s", kind, id)
	}
	t := &scheduledTask{
		id:        id,
		name:      name,
		kind:      kind,
		fn:        fn,
		state:     TaskPending,
		createdAt: s.now(),
	}
	s.tasks[id] = t
	return t
}

// enqueueLocked invalidates older queue entries of t and queues its next run
func (s *Scheduler) enqueueLocked(t *scheduledTask) {
	t.gen++
	s.queue.Push(t.id, t.nextRun, t.gen)
}

// Cancel stops a pending or paused task from running again
func (s *Scheduler) Cancel(id string) bool {
	return s.change(id, "Cancelled task", func(t *scheduledTask) bool {
		if t.state != TaskPending && t.state != TaskPaused {
			return false
		}
		t.state = TaskCancelled
		t.gen++
		return true
	})
}

// Pause holds a pending task until Resume
func (s *Scheduler) Pause(id string) bool {
	return s.change(id, "Paused task", func(t *scheduledTask) bool {
		if t.state != TaskPending {
			return false
		}
		t.state = TaskPaused
		t.gen++
		return true
	})
}

// Resume makes a paused task due immediately
func (s *Scheduler) Resume(id string) bool {
	ok := s.change(id, "Resumed task", func(t *scheduledTask) bool {
		if t.state != TaskPaused {
			return false
		}
		t.state = TaskPending
		t.nextRun = s.now()
		s.enqueueLocked(t)
		return true
	})
	if ok {
		s.signal()
	}
	return ok
}

func (s *Scheduler) change(id, msg string, fn func(*scheduledTask) bool) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		ok = fn(t)
	}
	var name string
	if ok {
		name = t.name
	}
	s.mu.Unlock()

	if ok {
		s.log.WithFields(logrus.Fields{"task_id": id, "task": name}).Info(msg)
		s.publish()
	}
	return ok
}

// Get returns a task by ID
func (s *Scheduler) Get(id string) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.info(), nil
}

// List returns every task that was not cancelled, ordered by ID
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.state == TaskCancelled {
			continue
		}
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of tasks per state
func (s *Scheduler) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(TaskStates))
	for _, t := range s.tasks {
		counts[string(t.state)]++
	}
	return counts
}

// Start launches the scheduling goroutine. The scheduler runs until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("Task scheduler started")
	return nil
}

// Stop ends the scheduling goroutine and waits up to DefaultJoinTimeout for a running task
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	select {
	case <-done:
	case <-time.After(DefaultJoinTimeout):
		s.log.Warn("Scheduler did not stop in time")
	}
	s.log.Info("Task scheduler stopped")
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.runDue(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := time.Minute
		if next, ok := s.queue.NextRun(); ok {
			wait = next.Sub(s.now())
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	for ctx.Err() == nil {
		entry, ok := s.queue.PopDue(s.now())
		if !ok {
			return
		}

		s.mu.Lock()
		t := s.tasks[entry.TaskID]
		if t == nil || t.gen != entry.Gen || t.state != TaskPending {
			s.mu.Unlock()
			continue
		}
		t.state = TaskRunning
		t.runCount++
		t.lastRun = s.now()
		fn, name, run := t.fn, t.name, t.runCount
		s.mu.Unlock()
		s.publish()

		err := s.execute(ctx, fn)

		s.mu.Lock()
		if err != nil {
			t.state = TaskFailed
			t.lastError = err.Error()
			s.log.WithFields(logrus.Fields{"task_id": t.id, "task": name, "run": run}).WithError(err).Error("Task failed")
		} else {
			t.lastError = ""
			s.log.WithFields(logrus.Fields{"task_id": t.id, "task": name, "run": run}).Debug("Task completed")
			s.rescheduleLocked(t)
		}
		s.mu.Unlock()
		s.publish()
	}
}

func (s *Scheduler) execute(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (s *Scheduler) rescheduleLocked(t *scheduledTask) {
	if !t.recurring() {
		t.state = TaskCompleted
		return
	}
	now := s.now()
	switch t.kind {
	case TaskPeriodic:
		t.nextRun = now.Add(t.interval)
	case TaskCron:
		next, err := t.cron.Next(now)
		if err != nil {
			t.state = TaskCompleted
			return
		}
		t.nextRun = next
	}
	t.state = TaskPending
	s.enqueueLocked(t)
}

func (s *Scheduler) publish() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m == nil {
		return
	}
	states := make([]string, len(TaskStates))
	for i, st := range TaskStates {
		states[i] = string(st)
	}
	m.SetTasks(s.Counts(), states)
}

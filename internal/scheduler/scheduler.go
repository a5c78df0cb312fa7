package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// Feed refresh schedules: every 15 minutes during the day, every 30 minutes
// in the evening, nothing at night.
const (
	DayRefresh   = "*/15 5-18 * * *"
	NightRefresh = "*/30 18-23 * * *"
)

// Task keys.
const (
	TaskRefresh = "refresh"
	TaskVideos  = "videos"
	TaskMarkets = "markets"
)

// ErrAlreadyRunning is returned when a task is started while a previous run
// has not finished.
var ErrAlreadyRunning = errors.New("scheduler: task already running")

// Job is the work behind a task.
type Job func(ctx context.Context) error

type Task struct {
	Key       string
	Schedules []string
	entries   []cron.EntryID
	job       Job
	running   atomic.Bool
}

type Scheduler struct {
	cron   *cron.Cron
	tasks  map[string]*Task
	mu     sync.RWMutex
	ctx    context.Context
	logger logr.Logger
}

// Every turns an interval into a cron spec.
func Every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func NewScheduler(loc *time.Location, logger logr.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.WithName("scheduler")
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(logger))),
		tasks:  make(map[string]*Task),
		ctx:    context.Background(),
		logger: logger,
	}
}

// Start runs scheduled tasks with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// AddTask registers job under key for every schedule, replacing a task
// with the same key.
func (s *Scheduler) AddTask(key string, job Job, schedules ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok {
		s.removeEntries(existing)
		delete(s.tasks, key)
	}

	task := &Task{Key: key, Schedules: schedules, job: job}
	for _, spec := range schedules {
		id, err := s.cron.AddFunc(spec, func() { s.scheduled(key) })
		if err != nil {
			s.removeEntries(task)
			return fmt.Errorf("schedule %s %q: %w", key, spec, err)
		}
		task.entries = append(task.entries, id)
	}
	s.tasks[key] = task
	return nil
}

func (s *Scheduler) RemoveTask(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[key]; ok {
		s.removeEntries(task)
		delete(s.tasks, key)
	}
}

func (s *Scheduler) removeEntries(task *Task) {
	for _, id := range task.entries {
		s.cron.Remove(id)
	}
	task.entries = nil
}

// Next returns when key runs next, or the zero time when it is not
// scheduled or the scheduler is not started.
func (s *Scheduler) Next(key string) time.Time {
	s.mu.RLock()
	task, ok := s.tasks[key]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	var next time.Time
	for _, id := range task.entries {
		at := s.cron.Entry(id).Next
		if !at.IsZero() && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}
	return next
}

// Running reports whether key is executing.
func (s *Scheduler) Running(key string) bool {
	s.mu.RLock()
	task, ok := s.tasks[key]
	s.mu.RUnlock()
	return ok && task.running.Load()
}

// Run executes a task now. A task never runs twice at the same time.
func (s *Scheduler) Run(ctx context.Context, key string) error {
	s.mu.RLock()
	task, ok := s.tasks[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", key)
	}
	if !task.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer task.running.Store(false)

	start := time.Now()
	err := task.job(ctx)
	s.logger.V(1).Info("task finished", "task", key, "took", time.Since(start).String())
	return err
}

func (s *Scheduler) scheduled(key string) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	s.logger.Info("running scheduled task", "task", key)
	err := s.Run(ctx, key)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Info("skipping task, previous run still active", "task", key)
	case err != nil:
		s.logger.Error(err, "scheduled task failed", "task", key)
	}
}

// Package scheduling runs the bus maintenance jobs on cron or fixed-delay
// schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"livebus/internal/infra/config"
)

// Action identifies a kind of maintenance job.
type Action string

const (
	ActionNotificationGC Action = "notification_gc"
	ActionPresenceReap   Action = "presence_reap"
	ActionSessionSweep   Action = "session_sweep"
	ActionAuditRetention Action = "audit_retention"
)

const defaultTaskTimeout = 5 * time.Minute

// Task is one recurring job.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30s"
	Action   Action
}

// Lease gives one node of a deployment exclusive use of a task for a run.
type Lease interface {
	Acquire(ctx context.Context, task string) (bool, error)
	Release(ctx context.Context, task string) error
}

// Scheduler runs registered actions. A run that is still going when its
// next tick arrives causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Action]func(ctx context.Context) error
	entries map[string]cron.EntryID
	timeout time.Duration
	logger  *slog.Logger
	lease   Lease

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler whose runs are bounded by taskTimeout
// (5 minutes when zero).
func NewScheduler(logger *slog.Logger, taskTimeout time.Duration) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		actions: make(map[Action]func(ctx context.Context) error),
		entries: make(map[string]cron.EntryID),
		timeout: taskTimeout,
		logger:  logger,
	}
}

// RegisterAction registers the handler of an action.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// UseLease makes every run take the task's lease first; a run whose lease
// is held elsewhere is skipped. Call before Start.
func (s *Scheduler) UseLease(l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease = l
}

// AddTasks adds every configured task.
func (s *Scheduler) AddTasks(tasks []config.ScheduledTaskConfig) error {
	for _, t := range tasks {
		if err := s.AddTask(Task{Name: t.Name, Schedule: t.Schedule, Action: Action(t.Action)}); err != nil {
			return err
		}
	}
	return nil
}

// AddTask schedules a task. Its action must already be registered.
func (s *Scheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[task.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for task %q", task.Action, task.Name)
	}
	if _, dup := s.entries[task.Name]; dup {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	name := task.Name
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(name, fn) }))
	s.logger.Info("task added to scheduler", "name", name, "schedule", task.Schedule, "action", string(task.Action))
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx, lease := s.ctx, s.lease
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", name)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if lease != nil {
		ok, err := lease.Acquire(taskCtx, name)
		if err != nil {
			s.logger.Warn("task lease unavailable", "task", name, "error", err)
			return
		}
		if !ok {
			s.logger.Debug("task running on another node, skipping", "task", name)
			return
		}
		defer func() {
			relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer relCancel()
			if err := lease.Release(relCtx, name); err != nil {
				s.logger.Warn("task lease release failed", "task", name, "error", err)
			}
		}()
	}

	start := time.Now()
	if err := fn(taskCtx); err != nil {
		s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled task completed", "task", name, "duration", time.Since(start))
}

// NextRun returns when a task fires next, or false if it is unknown or the
// scheduler is not running.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if e.ID == 0 || e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Start begins running the scheduler. Tasks see ctx, or a child of it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule accepts a cron expression (with descriptors such as
// "@every 1h") or a positive Go duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

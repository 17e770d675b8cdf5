package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livebus/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop without start: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionNotificationGC, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(Task{Name: "gc", Schedule: "50ms", Action: ActionNotificationGC}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	err := s.AddTask(Task{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionPresenceReap, func(context.Context) error { return nil })

	if err := s.AddTask(Task{Name: "reap", Schedule: "1h", Action: ActionPresenceReap}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.AddTask(Task{Name: "reap", Schedule: "1h", Action: ActionPresenceReap}); err == nil {
		t.Error("expected error for duplicate task name")
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionPresenceReap, func(context.Context) error { return nil })

	err := s.AddTask(Task{Name: "bad", Schedule: "not-valid", Action: ActionPresenceReap})
	if err == nil {
		t.Error("expected error for invalid schedule string")
	}
}

func TestSchedulerAddTasksFromConfig(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionNotificationGC, func(context.Context) error { return nil })
	s.RegisterAction(ActionPresenceReap, func(context.Context) error { return nil })
	s.RegisterAction(ActionSessionSweep, func(context.Context) error { return nil })

	if err := s.AddTasks(config.Defaults().Scheduler.Tasks); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	next, ok := s.NextRun("presence-reap")
	if !ok {
		t.Fatal("expected a next run for presence-reap")
	}
	if !next.After(time.Now()) {
		t.Error("next run should be in the future")
	}
	if _, ok := s.NextRun("nope"); ok {
		t.Error("expected no next run for an unknown task")
	}
}

func TestSchedulerStopCancelsRunningTask(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionNotificationGC, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	s.AddTask(Task{Name: "slow", Schedule: "20ms", Action: ActionNotificationGC})
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}
	s.Stop()

	if !cancelled.Load() {
		t.Error("running task was not cancelled by Stop")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running, maxRunning atomic.Int32

	s := NewScheduler(newTestLogger(), 0)
	s.RegisterAction(ActionPresenceReap, func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	s.AddTask(Task{Name: "reap", Schedule: "10ms", Action: ActionPresenceReap})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if m := maxRunning.Load(); m != 1 {
		t.Errorf("max concurrent runs = %d, want 1", m)
	}
}

func TestParseSchedule(t *testing.T) {
	valid := []string{"*/5 * * * *", "@every 30m", "@hourly", "30m", "100ms"}
	for _, in := range valid {
		if _, err := parseSchedule(in); err != nil {
			t.Errorf("parseSchedule(%q): %v", in, err)
		}
	}
	invalid := []string{"", "not-a-schedule", "-5m", "0s"}
	for _, in := range invalid {
		if _, err := parseSchedule(in); err == nil {
			t.Errorf("parseSchedule(%q): expected error", in)
		}
	}
}

func TestConstantDelay(t *testing.T) {
	sched, err := parseSchedule("250ms")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(now); !got.Equal(now.Add(250 * time.Millisecond)) {
		t.Errorf("Next = %v", got)
	}
}

type fakeCollector struct {
	retention time.Duration
	n         int64
	err       error
}

func (f *fakeCollector) GC(_ context.Context, olderThan time.Duration) (int64, error) {
	f.retention = olderThan
	return f.n, f.err
}

type fakeReaper struct {
	calls int
	err   error
}

func (f *fakeReaper) Reap(context.Context) (int, error) {
	f.calls++
	return 0, f.err
}

func TestNotificationGCAction(t *testing.T) {
	c := &fakeCollector{n: 3}
	fn := NotificationGC(c, 24*time.Hour, newTestLogger())
	if err := fn(context.Background()); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if c.retention != 24*time.Hour {
		t.Errorf("retention = %v", c.retention)
	}

	c.err = errors.New("disk full")
	if err := fn(context.Background()); err == nil {
		t.Error("expected gc error")
	}
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep() int {
	f.calls++
	return 2
}

func TestJobsRegister(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	r := &fakeReaper{}
	sw := &fakeSweeper{}
	Jobs{
		Notifications: &fakeCollector{},
		Retention:     time.Hour,
		Presence:      r,
		Sessions:      sw,
		Logger:        newTestLogger(),
	}.Register(s)

	for _, a := range []Action{ActionNotificationGC, ActionPresenceReap, ActionSessionSweep} {
		if err := s.AddTask(Task{Name: string(a), Schedule: "1h", Action: a}); err != nil {
			t.Errorf("AddTask(%s): %v", a, err)
		}
	}
	if err := s.actions[ActionPresenceReap](context.Background()); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("reaper calls = %d", r.calls)
	}
	r.err = errors.New("boom")
	if err := s.actions[ActionPresenceReap](context.Background()); err == nil {
		t.Error("expected reap error")
	}
	if err := s.actions[ActionSessionSweep](context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sw.calls != 1 {
		t.Errorf("sweeper calls = %d", sw.calls)
	}
}

func TestJobsRegisterSkipsMissingCollaborators(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	Jobs{Presence: &fakeReaper{}}.Register(s)

	if err := s.AddTask(Task{Name: "gc", Schedule: "1h", Action: ActionNotificationGC}); err == nil {
		t.Error("expected notification_gc to be unregistered")
	}
	if err := s.AddTask(Task{Name: "reap", Schedule: "1h", Action: ActionPresenceReap}); err != nil {
		t.Errorf("AddTask: %v", err)
	}
}

type fakeLease struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
	released int
	err      error
}

func (l *fakeLease) Acquire(_ context.Context, task string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held[task] {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLease) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func (l *fakeLease) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}

func TestSchedulerLease(t *testing.T) {
	tests := []struct {
		name      string
		lease     *fakeLease
		wantRuns  bool
		wantTaken bool
	}{
		{"free", &fakeLease{held: map[string]bool{}}, true, true},
		{"held elsewhere", &fakeLease{held: map[string]bool{"gc": true}}, false, false},
		{"lease error", &fakeLease{err: errors.New("redis down")}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var count atomic.Int32
			s := NewScheduler(newTestLogger(), 0)
			s.UseLease(tt.lease)
			s.RegisterAction(ActionNotificationGC, func(context.Context) error {
				count.Add(1)
				return nil
			})
			if err := s.AddTask(Task{Name: "gc", Schedule: "50ms", Action: ActionNotificationGC}); err != nil {
				t.Fatalf("AddTask: %v", err)
			}

			s.Start(context.Background())
			time.Sleep(200 * time.Millisecond)
			s.Stop()

			if got := count.Load() > 0; got != tt.wantRuns {
				t.Errorf("ran = %v, want %v", got, tt.wantRuns)
			}
			acquired, released := tt.lease.counts()
			if (acquired > 0) != tt.wantTaken {
				t.Errorf("acquired = %d, want taken %v", acquired, tt.wantTaken)
			}
			if acquired != released {
				t.Errorf("acquired %d leases but released %d", acquired, released)
			}
		})
	}
}

type fakeRetainer struct {
	removed int
	err     error
}

func (r *fakeRetainer) EnforceRetention(context.Context) (int, error) { return r.removed, r.err }

func TestAuditRetentionAction(t *testing.T) {
	s := NewScheduler(newTestLogger(), 0)
	r := &fakeRetainer{removed: 3}
	Jobs{Audit: r, Logger: newTestLogger()}.Register(s)

	if err := s.AddTask(Task{Name: "audit", Schedule: "24h", Action: ActionAuditRetention}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := s.actions[ActionAuditRetention](context.Background()); err != nil {
		t.Fatalf("retention: %v", err)
	}
	r.err = errors.New("disk full")
	if err := s.actions[ActionAuditRetention](context.Background()); err == nil {
		t.Error("expected retention error")
	}
}

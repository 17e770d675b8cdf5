package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Collector deletes old notifications.
type Collector interface {
	GC(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reaper marks users without recent polls offline.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Sweeper drops expired sessions.
type Sweeper interface {
	Sweep() int
}

// Retainer trims the audit trail.
type Retainer interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// Jobs holds the collaborators of the maintenance actions. Nil
// collaborators leave their action unregistered.
type Jobs struct {
	Notifications Collector
	Retention     time.Duration
	Presence      Reaper
	Sessions      Sweeper
	Audit         Retainer
	Logger        *slog.Logger
}

// Register wires the maintenance actions into s.
func (j Jobs) Register(s *Scheduler) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if j.Notifications != nil {
		s.RegisterAction(ActionNotificationGC, NotificationGC(j.Notifications, j.Retention, logger))
	}
	if j.Presence != nil {
		s.RegisterAction(ActionPresenceReap, PresenceReap(j.Presence))
	}
	if j.Sessions != nil {
		s.RegisterAction(ActionSessionSweep, SessionSweep(j.Sessions, logger))
	}
	if j.Audit != nil {
		s.RegisterAction(ActionAuditRetention, AuditRetention(j.Audit, logger))
	}
}

// NotificationGC returns the notification_gc action: it removes records
// older than retention.
func NotificationGC(c Collector, retention time.Duration, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := c.GC(ctx, retention)
		if err != nil {
			return fmt.Errorf("notification gc: %w", err)
		}
		if n > 0 {
			logger.Info("notifications collected", "count", n, "retention", retention)
		}
		return nil
	}
}

// PresenceReap returns the presence_reap action.
func PresenceReap(r Reaper) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := r.Reap(ctx); err != nil {
			return fmt.Errorf("presence reap: %w", err)
		}
		return nil
	}
}

// SessionSweep returns the session_sweep action.
func SessionSweep(sw Sweeper, logger *slog.Logger) func(context.Context) error {
	return func(context.Context) error {
		if n := sw.Sweep(); n > 0 {
			logger.Debug("expired sessions dropped", "count", n)
		}
		return nil
	}
}

// AuditRetention returns the audit_retention action.
func AuditRetention(r Retainer, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := r.EnforceRetention(ctx)
		if err != nil {
			return fmt.Errorf("audit retention: %w", err)
		}
		if n > 0 {
			logger.Info("audit entries removed", "count", n)
		}
		return nil
	}
}

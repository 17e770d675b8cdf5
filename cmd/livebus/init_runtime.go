package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"livebus/internal/adapter/gateway"
	"livebus/internal/adapter/session"
	"livebus/internal/domain"
	"livebus/internal/infra/config"
	"livebus/internal/infra/logger"
	"livebus/internal/infra/metrics"
	"livebus/internal/infra/retry"
	"livebus/internal/security"
	"livebus/internal/usecase/cluster"
	"livebus/internal/usecase/dispatch"
	"livebus/internal/usecase/presence"
	"livebus/internal/usecase/scheduling"
)

// runtimeComponents holds the long-running services of the process.
type runtimeComponents struct {
	Gateway    *gateway.Server
	Dispatcher *dispatch.Dispatcher // nil when disabled
	Scheduler  *scheduling.Scheduler
	Presence   *presence.Tracker
	Sessions   *session.MemoryStore
	Audit      *security.FileAuditLogger // nil when disabled
}

func initAudit(cfg config.AuditConfig) (*security.FileAuditLogger, error) {
	maxSize, err := security.ParseSize(cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	a, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	a.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
	return a, nil
}

func initRuntime(cfg *config.Config, st *storeComponents, waker domain.Waker, m *metrics.Metrics, log *slog.Logger) (*runtimeComponents, func(context.Context) error, error) {
	rt := &runtimeComponents{
		Sessions: session.NewMemoryStore(cfg.Gateway.Auth.SessionTTL),
	}
	runner := retry.New(cfg.Retry, logger.Component(log, "retry"))

	var (
		auditor  domain.AuditLogger
		retainer scheduling.Retainer
	)
	if cfg.Audit.Enabled {
		a, err := initAudit(cfg.Audit)
		if err != nil {
			return nil, nil, fmt.Errorf("audit: %w", err)
		}
		rt.Audit, auditor, retainer = a, a, a
		log.Info("audit trail enabled", "path", cfg.Audit.Path)
	}

	if cfg.Bus.Dispatcher.Enabled {
		rt.Dispatcher = dispatch.New(st.Guarded, rt.Sessions, waker,
			dispatch.WithLogger(logger.Component(log, "dispatch")),
			dispatch.WithMetrics(m),
			dispatch.WithInterval(cfg.Bus.Dispatcher.PollInterval),
			dispatch.WithWorkers(cfg.Bus.Dispatcher.Workers),
		)
	}

	rt.Presence = presence.NewTracker(st.SQLite, st.SQLite, cfg.Presence,
		presence.WithLogger(logger.Component(log, "presence")))

	hooks := gateway.NewHooks(runner, logger.Component(log, "hooks"))
	srv, err := gateway.NewServer(cfg, gateway.Deps{
		Store:      st.Guarded,
		Sessions:   rt.Sessions,
		Dispatcher: rt.Dispatcher,
		Presence:   rt.Presence,
		Auth:       gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens),
		Hooks:      hooks,
		Retry:      runner,
		Metrics:    m,
		Audit:      auditor,
		Logger:     log,
	})
	if err != nil {
		rt.closeAudit()
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}
	gateway.RegisterPresence(hooks, srv.Registry(), rt.Presence)
	rt.Gateway = srv

	if cfg.Scheduler.Enabled {
		schedLog := logger.Component(log, "scheduler")
		rt.Scheduler = scheduling.NewScheduler(schedLog, 0)
		scheduling.Jobs{
			Notifications: st.SQLite,
			Retention:     cfg.Store.Retention,
			Presence:      rt.Presence,
			Sessions:      rt.Sessions,
			Audit:         retainer,
			Logger:        schedLog,
		}.Register(rt.Scheduler)
		if err := rt.Scheduler.AddTasks(cfg.Scheduler.Tasks); err != nil {
			rt.closeAudit()
			return nil, nil, fmt.Errorf("scheduler: %w", err)
		}
		// A shared transport means other processes run the same tasks.
		if locker, ok := waker.(cluster.Locker); ok {
			coord := cluster.NewCoordinator(locker, cluster.CoordinatorConfig{
				NodeID:  ulid.Make().String(),
				LockTTL: cfg.Scheduler.LockTTL,
			}, logger.Component(log, "cluster"))
			rt.Scheduler.UseLease(coord)
			schedLog.Info("scheduler tasks leased across nodes", "node", coord.NodeID())
		}
	}

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := rt.Gateway.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway stop: %w", err))
		}
		if rt.Scheduler != nil {
			if err := rt.Scheduler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
			}
		}
		if rt.Dispatcher != nil {
			rt.Dispatcher.Close()
		}
		if err := rt.closeAudit(); err != nil {
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
		return errors.Join(errs...)
	}
	return rt, cleanup, nil
}

func (rt *runtimeComponents) closeAudit() error {
	if rt.Audit == nil {
		return nil
	}
	return rt.Audit.Close()
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"livebus/internal/adapter/store"
	"livebus/internal/domain"
	"livebus/internal/infra/config"
	"livebus/internal/infra/logger"
	"livebus/internal/infra/metrics"
)

// storeComponents holds the notification store and its guarded read path.
type storeComponents struct {
	SQLite *store.SQLiteStore
	// Guarded fails reads fast with domain.ErrStoreUnavailable while the
	// database is unhealthy.
	Guarded *store.BreakerStore
}

func initStore(cfg *config.Config, waker domain.Waker, m *metrics.Metrics, log *slog.Logger) (*storeComponents, func() error, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	storeLog := logger.Component(log, "store")
	sqlite, err := store.Open(cfg.Store.Path, waker,
		store.WithReplayWindow(cfg.Store.ReplayWindow),
		store.WithLogger(storeLog),
		store.WithCommitHook(m.NotificationsEnqueued),
	)
	if err != nil {
		return nil, nil, err
	}
	return &storeComponents{
		SQLite:  sqlite,
		Guarded: store.NewBreakerStore(sqlite, cfg.Store.Breaker, storeLog),
	}, sqlite.Close, nil
}

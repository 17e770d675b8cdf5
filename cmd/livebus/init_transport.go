package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"livebus/internal/adapter/transport"
	"livebus/internal/domain"
	"livebus/internal/infra/config"
	"livebus/internal/infra/logger"
)

// waker is a wake-up transport the process owns.
type waker interface {
	domain.Waker
	Close() error
}

// initTransport builds the wake-up transport: in-process for a single
// instance, Redis pub/sub when several instances share the store.
func initTransport(ctx context.Context, cfg config.TransportConfig, log *slog.Logger) (waker, error) {
	tlog := logger.Component(log, "transport")
	switch cfg.Type {
	case "redis":
		r, err := transport.NewRedis(cfg.RedisURL, cfg.Channel, tlog)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return r, nil
	case "memory", "":
		return transport.NewMemory(tlog), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Type)
	}
}

package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"livebus/internal/domain"
	"livebus/internal/infra/config"
)

// Runner re-executes operations that fail with a retryable domain error
// (see domain.IsRetryableError), backing off exponentially between attempts.
// Any other error is returned immediately.
type Runner struct {
	cfg    config.RetryConfig
	logger *slog.Logger
}

// New creates a Runner from cfg. Zero fields fall back to the defaults.
func New(cfg config.RetryConfig, logger *slog.Logger) *Runner {
	def := config.Defaults().Retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}
}

func (r *Runner) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.Multiplier = r.cfg.Multiplier
	b.RandomizationFactor = r.cfg.Jitter
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, fails permanently, the attempt budget is
// spent, or ctx is done. op names the operation in logs.
func (r *Runner) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil || domain.IsRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		r.logger.Info("retrying after error",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	err := backoff.RetryNotify(operation, r.policy(ctx), notify)
	if err != nil && ctx.Err() != nil && domain.IsRetryableError(err) {
		return ctx.Err()
	}
	return err
}

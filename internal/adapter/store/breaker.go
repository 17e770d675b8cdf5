package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"livebus/internal/domain"
	"livebus/internal/infra/config"
)

const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// BreakerStore guards the read path of a SQLiteStore with a circuit breaker.
// Once the database fails repeatedly, reads fail fast with
// domain.ErrStoreUnavailable instead of piling up behind a broken disk.
// Writes go straight through so producers see the real error.
type BreakerStore struct {
	*SQLiteStore
	polls *gobreaker.CircuitBreaker[[]domain.Notification]
	maxID *gobreaker.CircuitBreaker[int64]
}

// NewBreakerStore wraps inner. Zero config fields fall back to defaults.
func NewBreakerStore(inner *SQLiteStore, cfg config.BreakerConfig, logger *slog.Logger) *BreakerStore {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
			// A caller giving up is not a store failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		}
	}
	return &BreakerStore{
		SQLiteStore: inner,
		polls:       gobreaker.NewCircuitBreaker[[]domain.Notification](settings("store:poll")),
		maxID:       gobreaker.NewCircuitBreaker[int64](settings("store:max_id")),
	}
}

// Poll implements domain.NotificationStore through the breaker.
func (b *BreakerStore) Poll(ctx context.Context, channels []domain.ChannelKey, since int64) ([]domain.Notification, error) {
	out, err := b.polls.Execute(func() ([]domain.Notification, error) {
		return b.SQLiteStore.Poll(ctx, channels, since)
	})
	return out, breakerError(err)
}

// MaxID implements domain.NotificationStore through the breaker.
func (b *BreakerStore) MaxID(ctx context.Context) (int64, error) {
	id, err := b.maxID.Execute(func() (int64, error) {
		return b.SQLiteStore.MaxID(ctx)
	})
	return id, breakerError(err)
}

// State reports the poll breaker state, used by the health endpoint.
func (b *BreakerStore) State() gobreaker.State {
	return b.polls.State()
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

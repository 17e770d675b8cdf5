// Package presence derives online/away/offline status from connection
// activity and publishes status changes on the bus.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livebus/internal/domain"
	"livebus/internal/infra/config"
)

const (
	// Topic is the channel clients subscribe to for presence updates.
	Topic = "presence"
	// UpdatedType is the notification type of a status change.
	UpdatedType = "bus.presence/updated"
)

// Publisher enqueues a notification.
type Publisher interface {
	Enqueue(ctx context.Context, channel domain.ChannelKey, typ string, payload any) error
}

// Update is the payload of a status change notification.
type Update struct {
	UserID       int64                 `json:"user_id"`
	Status       domain.PresenceStatus `json:"status"`
	LastPresence time.Time             `json:"last_presence"`
}

// Tracker maintains presence records.
type Tracker struct {
	store           domain.PresenceStore
	publisher       Publisher
	awayAfter       time.Duration
	disconnectAfter time.Duration
	now             func() time.Time
	logger          *slog.Logger

	// mu serializes read-modify-write cycles on presence records.
	mu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a presence tracker.
func NewTracker(store domain.PresenceStore, publisher Publisher, cfg config.PresenceConfig, opts ...Option) *Tracker {
	t := &Tracker{
		store:           store,
		publisher:       publisher,
		awayAfter:       cfg.AwayAfter,
		disconnectAfter: cfg.DisconnectAfter,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Update records activity reported by a client. inactivity is how long the
// user has been idle in the client.
func (t *Tracker) Update(ctx context.Context, sess *domain.Session, inactivity time.Duration) error {
	if inactivity < 0 {
		inactivity = 0
	}
	return t.touch(ctx, sess, inactivity)
}

// Connected marks the session's user as active right now.
func (t *Tracker) Connected(ctx context.Context, sess *domain.Session) error {
	return t.touch(ctx, sess, 0)
}

func (t *Tracker) touch(ctx context.Context, sess *domain.Session, inactivity time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	p, err := t.store.GetPresence(ctx, sess.Tenant, sess.UserID)
	if err != nil {
		return fmt.Errorf("presence: load: %w", err)
	}
	prev := domain.PresenceOffline
	if p == nil {
		p = &domain.Presence{Tenant: sess.Tenant, UserID: sess.UserID}
	} else {
		prev = p.Status
	}
	p.LastPoll = now
	p.LastPresence = now.Add(-inactivity)
	p.Status = t.derive(p, now)
	return t.save(ctx, p, prev)
}

// Disconnected marks the user offline. Callers check that the user has no
// other live connection first.
func (t *Tracker) Disconnected(ctx context.Context, sess *domain.Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.store.GetPresence(ctx, sess.Tenant, sess.UserID)
	if err != nil {
		return fmt.Errorf("presence: load: %w", err)
	}
	if p == nil || p.Status == domain.PresenceOffline {
		return nil
	}
	prev := p.Status
	p.Status = domain.PresenceOffline
	return t.save(ctx, p, prev)
}

// Reap marks offline every user that has not polled within the disconnect
// threshold and returns how many changed.
func (t *Tracker) Reap(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stale, err := t.store.StalePresences(ctx, t.now().Add(-t.disconnectAfter))
	if err != nil {
		return 0, fmt.Errorf("presence: list stale: %w", err)
	}
	n := 0
	for i := range stale {
		p := &stale[i]
		prev := p.Status
		p.Status = domain.PresenceOffline
		if err := t.save(ctx, p, prev); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		t.logger.Debug("presence reaped", "count", n)
	}
	return n, nil
}

// Status returns the current status of a user, offline when unknown.
func (t *Tracker) Status(ctx context.Context, tenant string, userID int64) (domain.PresenceStatus, error) {
	p, err := t.store.GetPresence(ctx, tenant, userID)
	if err != nil {
		return "", fmt.Errorf("presence: load: %w", err)
	}
	if p == nil || p.Status == domain.PresenceOffline {
		return domain.PresenceOffline, nil
	}
	return t.derive(p, t.now()), nil
}

func (t *Tracker) derive(p *domain.Presence, now time.Time) domain.PresenceStatus {
	switch {
	case now.Sub(p.LastPoll) > t.disconnectAfter:
		return domain.PresenceOffline
	case now.Sub(p.LastPresence) > t.awayAfter:
		return domain.PresenceAway
	default:
		return domain.PresenceOnline
	}
}

// save persists p and publishes an update when its status moved away from prev.
func (t *Tracker) save(ctx context.Context, p *domain.Presence, prev domain.PresenceStatus) error {
	if err := t.store.SavePresence(ctx, p); err != nil {
		return fmt.Errorf("presence: save: %w", err)
	}
	if p.Status == prev {
		return nil
	}
	t.logger.Debug("presence changed", "tenant", p.Tenant, "user_id", p.UserID, "from", prev, "to", p.Status)
	upd := Update{UserID: p.UserID, Status: p.Status, LastPresence: p.LastPresence.UTC()}
	if err := t.publisher.Enqueue(ctx, domain.NewChannelKey(p.Tenant, Topic), UpdatedType, upd); err != nil {
		return fmt.Errorf("presence: publish: %w", err)
	}
	return nil
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livebus/internal/adapter/wsproto"
	"livebus/internal/domain"
	"livebus/internal/infra/retry"
)

// HookKind selects when a lifecycle hook runs.
type HookKind int

const (
	// HookOpen runs once the serve loop of a new connection is about to start.
	HookOpen HookKind = iota
	// HookClose runs once after the connection terminated.
	HookClose
)

func (k HookKind) String() string {
	switch k {
	case HookOpen:
		return "open"
	case HookClose:
		return "close"
	}
	return fmt.Sprintf("HookKind(%d)", int(k))
}

// HookFunc observes a connection lifecycle event.
type HookFunc func(ctx context.Context, sess *domain.Session, conn *wsproto.Conn) error

// Hooks is the observer list for connection open/close events. Hooks run
// through the retry runner; their errors are logged, never propagated.
type Hooks struct {
	mu     sync.RWMutex
	hooks  map[HookKind][]HookFunc
	retry  *retry.Runner
	logger *slog.Logger
}

// NewHooks creates an empty observer list.
func NewHooks(runner *retry.Runner, logger *slog.Logger) *Hooks {
	return &Hooks{
		hooks:  make(map[HookKind][]HookFunc),
		retry:  runner,
		logger: logger,
	}
}

// Register adds fn to the hooks of kind.
func (h *Hooks) Register(kind HookKind, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[kind] = append(h.hooks[kind], fn)
}

// Notify runs every hook of kind in registration order.
func (h *Hooks) Notify(ctx context.Context, kind HookKind, sess *domain.Session, conn *wsproto.Conn) {
	h.mu.RLock()
	fns := append([]HookFunc(nil), h.hooks[kind]...)
	h.mu.RUnlock()

	op := "hook." + kind.String()
	for _, fn := range fns {
		err := h.retry.Do(ctx, op, func(ctx context.Context) error {
			return h.call(ctx, fn, sess, conn)
		})
		if err != nil {
			h.logger.Error("lifecycle hook failed", "hook", kind.String(), "conn_id", conn.ID(), "error", err)
		}
	}
}

func (h *Hooks) call(ctx context.Context, fn HookFunc, sess *domain.Session, conn *wsproto.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx, sess, conn)
}

// PresenceTracker records user presence.
type PresenceTracker interface {
	Connected(ctx context.Context, sess *domain.Session) error
	Disconnected(ctx context.Context, sess *domain.Session) error
	Update(ctx context.Context, sess *domain.Session, inactivity time.Duration) error
}

// RegisterPresence marks users online when a connection opens and offline
// when their last connection closes.
func RegisterPresence(h *Hooks, reg *Registry, t PresenceTracker) {
	h.Register(HookOpen, func(ctx context.Context, sess *domain.Session, _ *wsproto.Conn) error {
		return t.Connected(ctx, sess)
	})
	h.Register(HookClose, func(ctx context.Context, sess *domain.Session, _ *wsproto.Conn) error {
		if reg.HasUser(sess.Tenant, sess.UserID) {
			return nil
		}
		return t.Disconnected(ctx, sess)
	})
}

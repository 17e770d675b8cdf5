package gateway

import (
	"sync"

	"livebus/internal/adapter/wsproto"
)

// Registry tracks the live connections of this process. Connections are
// added by the serve loop and removed when they terminate.
type Registry struct {
	mu    sync.Mutex
	conns map[*wsproto.Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*wsproto.Conn]struct{})}
}

func (r *Registry) add(c *wsproto.Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(c *wsproto.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// HasUser reports whether a live connection belongs to the user.
func (r *Registry) HasUser(tenant string, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if s := c.Session(); s != nil && s.Tenant == tenant && s.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) snapshot() []*wsproto.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wsproto.Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// KickAll starts a GOING_AWAY close on every open connection and returns
// how many were asked to close.
func (r *Registry) KickAll() int {
	n := 0
	for _, c := range r.snapshot() {
		if c.State() != wsproto.StateOpen {
			continue
		}
		if err := c.Close(wsproto.CloseGoingAway, ""); err == nil {
			n++
		}
	}
	return n
}

// AbortAll drops every remaining connection without a handshake.
func (r *Registry) AbortAll() {
	for _, c := range r.snapshot() {
		_ = c.Close(wsproto.CloseAbnormal, "")
	}
}

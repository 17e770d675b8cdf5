package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds the standard hardening headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Recover turns handler panics into 500 responses. Hijacked connections
// have no usable ResponseWriter, so the write error is ignored.
func Recover(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("http handler panic",
						"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AdmissionConfig configures per-client token buckets.
type AdmissionConfig struct {
	RequestsPerMin int      // sustained requests per minute per client
	BurstSize      int      // bucket size
	TrustedProxies []string // proxies whose X-Forwarded-For is honored
	IdleTTL        time.Duration
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Admission rate limits requests per client IP. It guards the upgrade
// endpoint before a connection is hijacked and the HTTP API routes.
type Admission struct {
	cfg     AdmissionConfig
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

// NewAdmission creates an Admission and starts a sweeper that drops idle
// clients until ctx is cancelled.
func NewAdmission(ctx context.Context, cfg AdmissionConfig) *Admission {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	a := &Admission{cfg: cfg, clients: make(map[string]*client), now: time.Now}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	return a
}

// Allow reports whether r may proceed, consuming one token.
func (a *Admission) Allow(r *http.Request) bool {
	ip := ClientIP(r, a.cfg.TrustedProxies)

	a.mu.Lock()
	c, ok := a.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(a.cfg.RequestsPerMin)/60.0, a.cfg.BurstSize)}
		a.clients[ip] = c
	}
	c.lastSeen = a.now()
	a.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allow(r) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admission) sweep() {
	cutoff := a.now().Add(-a.cfg.IdleTTL)
	a.mu.Lock()
	for ip, c := range a.clients {
		if c.lastSeen.Before(cutoff) {
			delete(a.clients, ip)
		}
	}
	a.mu.Unlock()
}

func (a *Admission) tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// ClientIP extracts the client address from r. Forwarding headers are only
// trusted when the direct peer is one of trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}

	if !slices.Contains(trustedProxies, directIP) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}

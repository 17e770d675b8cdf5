package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"livebus/internal/domain"
	"livebus/internal/infra/config"
)

// SessionCookie carries the session id between reconnects.
const SessionCookie = "session_id"

// Identity is the tenant user a static token stands for.
type Identity struct {
	Name   string
	Tenant string
	UserID int64
}

// Authenticator maps bearer tokens to identities.
type Authenticator interface {
	Authenticate(token string) (*Identity, error)
}

type authEntry struct {
	token    []byte
	identity *Identity
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from the configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token:    []byte(t.Token),
			identity: &Identity{Name: t.Name, Tenant: t.Tenant, UserID: t.UserID},
		})
	}
	return a
}

// Authenticate returns the identity of a valid token.
func (s *StaticTokenAuth) Authenticate(token string) (*Identity, error) {
	if token == "" {
		return nil, domain.ErrAuthInvalid
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.identity, nil
		}
	}
	return nil, domain.ErrAuthInvalid
}

func sessionCookie(sess *domain.Session) *http.Cookie {
	return &http.Cookie{Name: SessionCookie, Value: sess.ID, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode}
}

// bearerToken reads the token from ?token= or an Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// resolveSession finds the session of r: the session cookie wins, otherwise
// a static token opens a new session. created reports the latter.
func (s *Server) resolveSession(ctx context.Context, r *http.Request) (sess *domain.Session, created bool, err error) {
	if c, cerr := r.Cookie(SessionCookie); cerr == nil && c.Value != "" {
		found, rerr := s.deps.Sessions.Resolve(ctx, c.Value)
		switch {
		case rerr == nil && s.deps.Sessions.IsValid(ctx, found):
			return found, false, nil
		case rerr != nil && !errors.Is(rerr, domain.ErrSessionNotFound):
			return nil, false, rerr
		}
		// A stale cookie falls through to the token.
	}

	token := bearerToken(r)
	if token == "" || s.deps.Auth == nil {
		return nil, false, domain.ErrAuthInvalid
	}
	id, err := s.deps.Auth.Authenticate(token)
	if err != nil {
		return nil, false, err
	}
	sess, err = s.deps.Sessions.Create(ctx, id.Tenant, id.UserID, map[string]any{"client": id.Name})
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// requireAdmin guards operator endpoints with the admin token. Without a
// configured admin token the endpoints are closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	admin := []byte(s.cfg.Gateway.Auth.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(admin) == 0 {
			writeError(w, http.StatusForbidden, domain.NewDomainError("admin", domain.ErrAuthInvalid, "admin API disabled"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), admin) != 1 {
			s.audit(r, "admin_auth", r.Method+" "+r.URL.Path, domain.ErrAuthInvalid, nil)
			writeError(w, http.StatusUnauthorized, domain.ErrAuthInvalid)
			return
		}
		next.ServeHTTP(w, r)
	})
}

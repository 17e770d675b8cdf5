package domain

import (
	"context"
	"time"
)

// Session is the authenticated identity a connection acts on behalf of.
type Session struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	UserID    int64          `json:"user_id"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SessionStore resolves sessions and reports whether they are still valid.
type SessionStore interface {
	// Resolve returns ErrSessionNotFound when the id is unknown.
	Resolve(ctx context.Context, id string) (*Session, error)
	IsValid(ctx context.Context, s *Session) bool
}

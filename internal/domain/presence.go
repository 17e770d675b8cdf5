package domain

import (
	"context"
	"time"
)

// PresenceStatus is the derived availability of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the liveness record of one user.
type Presence struct {
	Tenant       string         `json:"tenant"`
	UserID       int64          `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	LastPoll     time.Time      `json:"last_poll"`
	LastPresence time.Time      `json:"last_presence"`
}

// PresenceStore persists presence records.
type PresenceStore interface {
	GetPresence(ctx context.Context, tenant string, userID int64) (*Presence, error)
	SavePresence(ctx context.Context, p *Presence) error
	// StalePresences lists non-offline records whose last poll is before cutoff.
	StalePresences(ctx context.Context, cutoff time.Time) ([]Presence, error)
}

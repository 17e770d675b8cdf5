package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"livebus/internal/domain"
)

// GetPresence returns the presence record of a user, or nil when the user
// has never been seen.
func (s *SQLiteStore) GetPresence(ctx context.Context, tenant string, userID int64) (*domain.Presence, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT tenant, user_id, status, last_poll, last_presence FROM bus_presence WHERE tenant = ? AND user_id = ?",
		tenant, userID,
	)
	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return p, nil
}

// SavePresence upserts p.
func (s *SQLiteStore) SavePresence(ctx context.Context, p *domain.Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_presence (tenant, user_id, status, last_poll, last_presence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant, user_id) DO UPDATE SET
			status = excluded.status,
			last_poll = excluded.last_poll,
			last_presence = excluded.last_presence`,
		p.Tenant, p.UserID, string(p.Status), p.LastPoll.UnixNano(), p.LastPresence.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save presence: %w", transient(err))
	}
	return nil
}

// StalePresences lists users not yet offline whose last poll is before cutoff.
func (s *SQLiteStore) StalePresences(ctx context.Context, cutoff time.Time) ([]domain.Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tenant, user_id, status, last_poll, last_presence FROM bus_presence WHERE status != ? AND last_poll < ? ORDER BY tenant, user_id",
		string(domain.PresenceOffline), cutoff.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("stale presences: %w", err)
	}
	defer rows.Close()

	var out []domain.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPresence(row scanner) (*domain.Presence, error) {
	var (
		p            domain.Presence
		status       string
		lastPoll     int64
		lastPresence int64
	)
	if err := row.Scan(&p.Tenant, &p.UserID, &status, &lastPoll, &lastPresence); err != nil {
		return nil, err
	}
	p.Status = domain.PresenceStatus(status)
	p.LastPoll = time.Unix(0, lastPoll)
	p.LastPresence = time.Unix(0, lastPresence)
	return &p, nil
}

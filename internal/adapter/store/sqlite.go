package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"livebus/internal/domain"
	"livebus/internal/infra/tracer"
)

// DefaultReplayWindow bounds a poll without a high-water mark.
const DefaultReplayWindow = 100 * time.Second

// SQLiteStore implements domain.NotificationStore and domain.PresenceStore
// on a single SQLite database.
type SQLiteStore struct {
	db           *sql.DB
	waker        domain.Waker
	replayWindow time.Duration
	now          func() time.Time
	logger       *slog.Logger
	onCommit     func(n int)
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithReplayWindow sets how far back a poll with since=0 looks.
func WithReplayWindow(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.replayWindow = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithCommitHook registers fn to be called with the record count of every
// committed batch.
func WithCommitHook(fn func(n int)) Option {
	return func(s *SQLiteStore) { s.onCommit = fn }
}

// Open opens (or creates) the database at path and runs the schema
// migration. waker is signalled after every committed batch; it may be nil.
func Open(path string, waker domain.Waker, opts ...Option) (*SQLiteStore, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_txlock", "immediate")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open bus db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bus db: %w", err)
	}
	s := &SQLiteStore{
		db:           db,
		waker:        waker,
		replayWindow: DefaultReplayWindow,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bus_notifications (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT    NOT NULL,
		message    TEXT    NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bus_notifications_channel_id ON bus_notifications (channel, id)`,
	`CREATE INDEX IF NOT EXISTS bus_notifications_created_at ON bus_notifications (created_at)`,
	`CREATE TABLE IF NOT EXISTS bus_presence (
		tenant        TEXT    NOT NULL,
		user_id       INTEGER NOT NULL,
		status        TEXT    NOT NULL,
		last_poll     INTEGER NOT NULL,
		last_presence INTEGER NOT NULL,
		PRIMARY KEY (tenant, user_id)
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Enqueue records one notification in its own batch.
func (s *SQLiteStore) Enqueue(ctx context.Context, channel domain.ChannelKey, typ string, payload any) error {
	b := s.Begin()
	b.Send(channel, typ, payload)
	return b.Commit(ctx)
}

// EnqueueAll records notes in a single batch.
func (s *SQLiteStore) EnqueueAll(ctx context.Context, notes []domain.Outgoing) error {
	b := s.Begin()
	for _, n := range notes {
		b.Send(n.Channel, n.Type, n.Payload)
	}
	return b.Commit(ctx)
}

// Begin starts a batch. Records sent on it are written in one transaction
// and the transport is signalled once, after the commit.
func (s *SQLiteStore) Begin() *Batch {
	return &Batch{s: s}
}

// Poll returns the notifications on channels newer than since, or created
// within the replay window when since is 0, ordered by id.
func (s *SQLiteStore) Poll(ctx context.Context, channels []domain.ChannelKey, since int64) ([]domain.Notification, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(channels)+1)
	for _, c := range channels {
		args = append(args, c.String())
	}
	query := "SELECT id, channel, message, created_at FROM bus_notifications WHERE channel IN (?" +
		strings.Repeat(", ?", len(channels)-1) + ")"
	if since > 0 {
		query += " AND id > ?"
		args = append(args, since)
	} else {
		query += " AND created_at > ?"
		args = append(args, s.now().Add(-s.replayWindow).UnixNano())
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("poll notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n       domain.Notification
			channel string
			message string
			created int64
		)
		if err := rows.Scan(&n.ID, &channel, &message, &created); err != nil {
			return nil, err
		}
		if n.Channel, err = domain.ParseChannelKey(channel); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(message), &n.Message); err != nil {
			return nil, fmt.Errorf("decode notification %d: %w", n.ID, err)
		}
		n.CreatedAt = time.Unix(0, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MaxID returns the highest id ever assigned. Ids are never reused, so the
// value survives garbage collection of old records.
func (s *SQLiteStore) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT seq FROM sqlite_sequence WHERE name = 'bus_notifications'",
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("max notification id: %w", err)
	}
	return id, nil
}

// GC deletes notifications older than olderThan and reports how many went.
func (s *SQLiteStore) GC(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM bus_notifications WHERE created_at < ?",
		s.now().Add(-olderThan).UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("gc notifications: %w", err)
	}
	return res.RowsAffected()
}

// Batch accumulates notifications for a single commit.
type Batch struct {
	s       *SQLiteStore
	records []record
	err     error
}

type record struct {
	channel domain.ChannelKey
	message []byte
}

// Send adds a notification to the batch. Encoding errors are reported by Commit.
func (b *Batch) Send(channel domain.ChannelKey, typ string, payload any) {
	if b.err != nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		b.err = fmt.Errorf("encode payload for %s: %w", channel, err)
		return
	}
	msg, err := json.Marshal(domain.Message{Type: typ, Payload: raw})
	if err != nil {
		b.err = err
		return
	}
	b.records = append(b.records, record{channel: channel, message: msg})
}

// Len returns the number of pending records.
func (b *Batch) Len() int { return len(b.records) }

// Commit writes the batch in one transaction, then signals the transport
// with the distinct channels written. A failed signal is logged: the records
// are durable and the dispatcher picks them up on its next poll interval.
func (b *Batch) Commit(ctx context.Context) (err error) {
	if b.err != nil {
		return b.err
	}
	if len(b.records) == 0 {
		return nil
	}
	s := b.s
	ctx, span := tracer.StartSpan(ctx, "store.commit")
	span.SetAttributes(tracer.IntAttr("bus.records", len(b.records)))
	defer func() { tracer.End(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", transient(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO bus_notifications (channel, message, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	seen := make(map[domain.ChannelKey]struct{}, len(b.records))
	channels := make([]domain.ChannelKey, 0, len(b.records))
	for _, r := range b.records {
		if _, err := stmt.ExecContext(ctx, r.channel.String(), string(r.message), now); err != nil {
			return fmt.Errorf("insert notification: %w", transient(err))
		}
		if _, ok := seen[r.channel]; !ok {
			seen[r.channel] = struct{}{}
			channels = append(channels, r.channel)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", transient(err))
	}
	n := len(b.records)
	b.records = nil

	if s.onCommit != nil {
		s.onCommit(n)
	}
	if s.waker != nil {
		if err := s.waker.Notify(ctx, channels); err != nil {
			s.logger.Warn("bus wake-up failed after commit", "channels", len(channels), "error", err)
		}
	}
	return nil
}

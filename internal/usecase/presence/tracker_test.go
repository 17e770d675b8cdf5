package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livebus/internal/domain"
	"livebus/internal/infra/config"
)

type memStore struct {
	mu      sync.Mutex
	records map[int64]domain.Presence
}

func (m *memStore) GetPresence(_ context.Context, _ string, userID int64) (*domain.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memStore) SavePresence(_ context.Context, p *domain.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.UserID] = *p
	return nil
}

func (m *memStore) StalePresences(_ context.Context, cutoff time.Time) ([]domain.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Presence
	for _, p := range m.records {
		if p.Status != domain.PresenceOffline && p.LastPoll.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

type published struct {
	channel domain.ChannelKey
	typ     string
	update  Update
}

type recordingPublisher struct {
	events []published
	err    error
}

func (r *recordingPublisher) Enqueue(_ context.Context, ch domain.ChannelKey, typ string, payload any) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, published{channel: ch, typ: typ, update: payload.(Update)})
	return nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestTracker() (*Tracker, *memStore, *recordingPublisher, *clock) {
	st := &memStore{records: make(map[int64]domain.Presence)}
	pub := &recordingPublisher{}
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.PresenceConfig{AwayAfter: 30 * time.Minute, DisconnectAfter: 65 * time.Second}
	return NewTracker(st, pub, cfg, WithClock(c.Now)), st, pub, c
}

var alice = &domain.Session{ID: "s1", Tenant: "acme", UserID: 7}

func TestConnectedPublishesOnline(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.Connected(ctx, alice))
	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, domain.NewChannelKey("acme", Topic), ev.channel)
	assert.Equal(t, UpdatedType, ev.typ)
	assert.Equal(t, domain.PresenceOnline, ev.update.Status)
	assert.EqualValues(t, 7, ev.update.UserID)

	// Same status again is not republished.
	require.NoError(t, tr.Connected(ctx, alice))
	assert.Len(t, pub.events, 1)
}

func TestUpdateWithLongInactivityIsAway(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.Connected(ctx, alice))
	require.NoError(t, tr.Update(ctx, alice, 31*time.Minute))

	require.Len(t, pub.events, 2)
	assert.Equal(t, domain.PresenceAway, pub.events[1].update.Status)

	status, err := tr.Status(ctx, "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceAway, status)

	require.NoError(t, tr.Update(ctx, alice, 0))
	assert.Equal(t, domain.PresenceOnline, pub.events[2].update.Status)
}

func TestNegativeInactivityIsClamped(t *testing.T) {
	tr, st, _, c := newTestTracker()
	require.NoError(t, tr.Update(context.Background(), alice, -time.Hour))
	assert.Equal(t, c.t, st.records[7].LastPresence)
}

func TestDisconnected(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tr.Disconnected(ctx, alice))
	assert.Empty(t, pub.events, "unknown user stays silent")

	require.NoError(t, tr.Connected(ctx, alice))
	require.NoError(t, tr.Disconnected(ctx, alice))
	require.NoError(t, tr.Disconnected(ctx, alice))
	require.Len(t, pub.events, 2)
	assert.Equal(t, domain.PresenceOffline, pub.events[1].update.Status)
}

func TestReapMarksStaleUsersOffline(t *testing.T) {
	tr, _, pub, c := newTestTracker()
	ctx := context.Background()
	bob := &domain.Session{ID: "s2", Tenant: "acme", UserID: 8}

	require.NoError(t, tr.Connected(ctx, alice))
	c.t = c.t.Add(60 * time.Second)
	require.NoError(t, tr.Connected(ctx, bob))
	c.t = c.t.Add(10 * time.Second)

	n, err := tr.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last := pub.events[len(pub.events)-1]
	assert.EqualValues(t, 7, last.update.UserID)
	assert.Equal(t, domain.PresenceOffline, last.update.Status)

	n, err = tr.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatusDerivesOfflineWithoutPolls(t *testing.T) {
	tr, _, _, c := newTestTracker()
	ctx := context.Background()

	status, err := tr.Status(ctx, "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, status)

	require.NoError(t, tr.Connected(ctx, alice))
	c.t = c.t.Add(2 * time.Minute)
	status, err = tr.Status(ctx, "acme", 7)
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, status)
}

func TestPublishFailureSurfaces(t *testing.T) {
	tr, _, pub, _ := newTestTracker()
	pub.err = errors.New("store down")
	err := tr.Connected(context.Background(), alice)
	assert.ErrorContains(t, err, "presence: publish")
}

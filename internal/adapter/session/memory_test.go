package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livebus/internal/domain"
)

func TestCreateAndResolve(t *testing.T) {
	m := NewMemoryStore(0)
	ctx := context.Background()

	s, err := m.Create(ctx, "acme", 7, map[string]any{"lang": "en_US"})
	require.NoError(t, err)
	_, err = uuid.Parse(s.ID)
	require.NoError(t, err)

	got, err := m.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "en_US", got.Context["lang"])
	assert.True(t, m.IsValid(ctx, got))
}

func TestResolveUnknown(t *testing.T) {
	m := NewMemoryStore(0)
	_, err := m.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.False(t, m.IsValid(context.Background(), nil))
}

func TestRevoke(t *testing.T) {
	m := NewMemoryStore(0)
	ctx := context.Background()
	s, err := m.Create(ctx, "acme", 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, s.ID))
	assert.False(t, m.IsValid(ctx, s))
	_, err = m.Resolve(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, m.Revoke(ctx, "missing"), domain.ErrSessionNotFound)

	assert.Equal(t, 1, m.Sweep())
	assert.Zero(t, m.Len())
}

func TestExpiryAndTouch(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	s, err := m.Create(ctx, "acme", 1, nil)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	m.Touch(ctx, s.ID)
	now = now.Add(50 * time.Second)
	assert.True(t, m.IsValid(ctx, s))

	now = now.Add(time.Minute)
	assert.False(t, m.IsValid(ctx, s))
}

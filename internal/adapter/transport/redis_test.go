package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livebus/internal/domain"
)

func TestKeysCodec(t *testing.T) {
	keys := []domain.ChannelKey{room, {Tenant: "acme", Topic: "presence", Discriminator: "7"}}
	payload, err := encodeKeys(keys)
	require.NoError(t, err)
	assert.JSONEq(t, `["[\"acme\",\"room42\"]","[\"acme\",\"presence\",\"7\"]"]`, payload)

	got, err := decodeKeys(payload)
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func TestDecodeKeysMalformed(t *testing.T) {
	for _, in := range []string{`{}`, `["not-a-key"]`, `["[\"only-one\"]"]`} {
		_, err := decodeKeys(in)
		assert.Error(t, err, in)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("http://localhost", "livebus", nil)
	assert.Error(t, err)
}

// TestRedisRoundTrip needs a live server: LIVEBUS_TEST_REDIS_URL=redis://localhost:6379/0
func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("LIVEBUS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIVEBUS_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url, "livebus-test", nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Ping(ctx))

	ch, err := r.Listen(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Notify(ctx, []domain.ChannelKey{room}))
	assert.Equal(t, []domain.ChannelKey{room}, recv(t, ch))

	cancel()
	for range ch {
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("LIVEBUS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIVEBUS_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url, "livebus-test", nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := "livebus-test:lock:" + t.Name()

	ok, err := r.SetNX(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.SetNX(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.CompareAndDelete(ctx, key, "b")
	require.NoError(t, err)
	assert.False(t, ok, "foreign value must not release the key")

	ok, err = r.CompareAndDelete(ctx, key, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

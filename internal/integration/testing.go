// Package integration runs livebus nodes end to end. The tests are behind
// the "integration" build tag; Redis scenarios also need
// LIVEBUS_TEST_REDIS_URL.
package integration

import (
	"cmp"
	"context"
	"os"
	"testing"
	"time"
)

// Config is read from the environment once per test.
type Config struct {
	RedisURL     string
	RedisChannel string
	TestTimeout  time.Duration
	SkipSlow     bool
}

func LoadConfig() *Config {
	timeout, err := time.ParseDuration(os.Getenv("LIVEBUS_TEST_TIMEOUT"))
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Config{
		RedisURL:     os.Getenv("LIVEBUS_TEST_REDIS_URL"),
		RedisChannel: cmp.Or(os.Getenv("LIVEBUS_TEST_REDIS_CHANNEL"), "livebus-it"),
		TestTimeout:  timeout,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

func SkipIfNoRedis(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.RedisURL == "" {
		t.Skip("LIVEBUS_TEST_REDIS_URL not set")
	}
}

func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("end-to-end test skipped in -short mode")
	}
}

// NewTestContext is cancelled after timeout or when t finishes.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

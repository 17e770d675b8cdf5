package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// --- Mock locker ---

type mockLocker struct {
	mu     sync.Mutex
	store  map[string]string
	expiry map[string]time.Duration
	err    error
}

func newMockLocker() *mockLocker {
	return &mockLocker{
		store:  make(map[string]string),
		expiry: make(map[string]time.Duration),
	}
}

func (m *mockLocker) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = value
	m.expiry[key] = ttl
	return true, nil
}

func (m *mockLocker) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.store[key] != value {
		return false, nil
	}
	delete(m.store, key)
	delete(m.expiry, key)
	return true, nil
}

// expire simulates the TTL running out.
func (m *mockLocker) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
}

// --- Tests ---

func TestAcquireTask(t *testing.T) {
	locker := newMockLocker()
	coord := NewCoordinator(locker, CoordinatorConfig{NodeID: "node-1"}, slog.Default())
	ctx := context.Background()

	got, err := coord.Acquire(ctx, "notification-gc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !got {
		t.Error("expected to acquire lease")
	}

	got, err = coord.Acquire(ctx, "notification-gc")
	if err != nil {
		t.Fatalf("Acquire second: %v", err)
	}
	if got {
		t.Error("expected lease to be already held")
	}

	if ttl := locker.expiry[keyPrefix+"notification-gc"]; ttl != defaultLockTTL {
		t.Errorf("ttl = %v, want %v", ttl, defaultLockTTL)
	}
}

func TestLeaseExclusiveAcrossNodes(t *testing.T) {
	locker := newMockLocker()
	a := NewCoordinator(locker, CoordinatorConfig{NodeID: "a", LockTTL: time.Minute}, nil)
	b := NewCoordinator(locker, CoordinatorConfig{NodeID: "b", LockTTL: time.Minute}, nil)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "presence-reap"); !ok {
		t.Fatal("node a should acquire")
	}
	if ok, _ := b.Acquire(ctx, "presence-reap"); ok {
		t.Fatal("node b must not acquire a held lease")
	}
	if ok, _ := b.Acquire(ctx, "session-sweep"); !ok {
		t.Fatal("leases are per task")
	}

	if err := a.Release(ctx, "presence-reap"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "presence-reap"); !ok {
		t.Fatal("node b should acquire after release")
	}
}

func TestReleaseKeepsForeignLease(t *testing.T) {
	locker := newMockLocker()
	a := NewCoordinator(locker, CoordinatorConfig{NodeID: "a"}, nil)
	b := NewCoordinator(locker, CoordinatorConfig{NodeID: "b"}, nil)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "gc"); !ok {
		t.Fatal("node a should acquire")
	}
	locker.expire(keyPrefix + "gc")
	if ok, _ := b.Acquire(ctx, "gc"); !ok {
		t.Fatal("node b should acquire the expired lease")
	}

	if err := a.Release(ctx, "gc"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if owner := locker.store[keyPrefix+"gc"]; owner != "b" {
		t.Errorf("owner = %q, want b", owner)
	}
}

func TestAcquireError(t *testing.T) {
	locker := newMockLocker()
	locker.err = errors.New("connection refused")
	coord := NewCoordinator(locker, CoordinatorConfig{NodeID: "a"}, nil)

	if _, err := coord.Acquire(context.Background(), "gc"); err == nil {
		t.Error("expected error")
	}
	if err := coord.Release(context.Background(), "gc"); err == nil {
		t.Error("expected error")
	}
	if coord.NodeID() != "a" {
		t.Errorf("NodeID = %q", coord.NodeID())
	}
}

// Package cluster coordinates maintenance work between livebus processes
// that share one notification database.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Locker abstracts the key operations needed by Coordinator. The Redis
// transport implements it; tests use an in-memory double.
type Locker interface {
	// SetNX sets key to value with a TTL if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

// Coordinator grants task leases so that a scheduled job runs on one node
// per tick, whichever node gets there first.
type Coordinator struct {
	nodeID string
	locker Locker
	ttl    time.Duration
	logger *slog.Logger
}

// CoordinatorConfig holds configuration for the cluster coordinator.
type CoordinatorConfig struct {
	NodeID  string
	LockTTL time.Duration // default: 5m
}

const (
	defaultLockTTL = 5 * time.Minute
	keyPrefix      = "livebus:task:lock:"
)

// NewCoordinator creates a coordinator on top of locker.
func NewCoordinator(locker Locker, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{nodeID: cfg.NodeID, locker: locker, ttl: ttl, logger: logger}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Acquire attempts to take the lease of task. It returns false when another
// node holds it.
func (c *Coordinator) Acquire(ctx context.Context, task string) (bool, error) {
	ok, err := c.locker.SetNX(ctx, keyPrefix+task, c.nodeID, c.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire task lease %s: %w", task, err)
	}
	if ok {
		c.logger.Debug("task lease acquired", "task", task, "node", c.nodeID)
	}
	return ok, nil
}

// Release gives the lease of task back. A lease that expired and was taken
// by another node is left alone.
func (c *Coordinator) Release(ctx context.Context, task string) error {
	ok, err := c.locker.CompareAndDelete(ctx, keyPrefix+task, c.nodeID)
	if err != nil {
		return fmt.Errorf("release task lease %s: %w", task, err)
	}
	if !ok {
		c.logger.Debug("task lease no longer held", "task", task, "node", c.nodeID)
	}
	return nil
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"livebus/internal/domain"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

const listenerBuffer = 64

type listener struct {
	id uint64
	ch chan []domain.ChannelKey
}

// Memory is an in-process, goroutine-safe wake-up transport. It serves a
// single process; use Redis when producers run elsewhere.
type Memory struct {
	mu        sync.RWMutex
	listeners []listener
	nextID    atomic.Uint64
	logger    *slog.Logger
	closed    bool
}

// NewMemory creates an in-process transport.
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{logger: logger}
}

// Notify fans channels out to every listener. A listener whose buffer is
// full misses the wake-up and catches up on its next poll interval.
func (m *Memory) Notify(_ context.Context, channels []domain.ChannelKey) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, l := range m.listeners {
		select {
		case l.ch <- channels:
		default:
			m.logger.Warn("transport: dropped wake-up for slow listener", "listener", l.id)
		}
	}
	return nil
}

// Listen registers a listener until ctx is done.
func (m *Memory) Listen(ctx context.Context) (<-chan []domain.ChannelKey, error) {
	l := listener{id: m.nextID.Add(1), ch: make(chan []domain.ChannelKey, listenerBuffer)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.remove(l.id)
	}()
	return l.ch, nil
}

func (m *Memory) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			close(l.ch)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close closes every listener channel and rejects further use.
// Close is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, l := range m.listeners {
		close(l.ch)
	}
	m.listeners = nil
	return nil
}

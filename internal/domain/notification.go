package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChannelKey identifies a notification topic. Every key is scoped by a
// tenant; Discriminator is optional.
type ChannelKey struct {
	Tenant        string
	Topic         string
	Discriminator string
}

// NewChannelKey builds a (tenant, topic) key.
func NewChannelKey(tenant, topic string) ChannelKey {
	return ChannelKey{Tenant: tenant, Topic: topic}
}

// String returns the canonical encoding of the key: a JSON array of two or
// three strings. The encoding is what the store persists and what the
// transport carries.
func (k ChannelKey) String() string {
	parts := []string{k.Tenant, k.Topic}
	if k.Discriminator != "" {
		parts = append(parts, k.Discriminator)
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

// ParseChannelKey decodes the output of ChannelKey.String.
func ParseChannelKey(s string) (ChannelKey, error) {
	var parts []string
	if err := json.Unmarshal([]byte(s), &parts); err != nil {
		return ChannelKey{}, fmt.Errorf("parse channel key %q: %w", s, err)
	}
	switch len(parts) {
	case 2:
		return ChannelKey{Tenant: parts[0], Topic: parts[1]}, nil
	case 3:
		return ChannelKey{Tenant: parts[0], Topic: parts[1], Discriminator: parts[2]}, nil
	default:
		return ChannelKey{}, fmt.Errorf("parse channel key %q: want 2 or 3 parts, got %d", s, len(parts))
	}
}

// Message is the client-visible body of a notification.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Notification is one durable record of the notification store.
type Notification struct {
	ID        int64      `json:"id"`
	Message   Message    `json:"message"`
	Channel   ChannelKey `json:"-"`
	CreatedAt time.Time  `json:"-"`
}

// Outgoing is a notification waiting to be enqueued.
type Outgoing struct {
	Channel ChannelKey
	Type    string
	Payload any
}

// NotificationStore persists notifications and answers polls by id range or
// by recency window.
type NotificationStore interface {
	// Enqueue durably records one notification and signals the transport
	// once the write is committed.
	Enqueue(ctx context.Context, channel ChannelKey, typ string, payload any) error
	// EnqueueAll records all notifications in one transaction and signals
	// the transport once with the distinct channels written.
	EnqueueAll(ctx context.Context, notes []Outgoing) error
	// Poll returns records on channels ordered by id. A since of 0 means
	// "created within the replay window" rather than "from the beginning".
	Poll(ctx context.Context, channels []ChannelKey, since int64) ([]Notification, error)
	// MaxID returns the highest id ever assigned, or 0.
	MaxID(ctx context.Context) (int64, error)
}

// Waker is the process-wide wake-up signal between the store and the
// dispatcher. It carries the channel keys that just received records.
type Waker interface {
	Notify(ctx context.Context, channels []ChannelKey) error
	// Listen returns a channel of wake-ups that is closed when ctx is done
	// or the transport fails.
	Listen(ctx context.Context) (<-chan []ChannelKey, error)
}

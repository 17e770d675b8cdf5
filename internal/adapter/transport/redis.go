package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"livebus/internal/domain"
)

// Redis carries wake-ups over a Redis pub/sub channel so that producers in
// other processes reach this process's dispatcher. The message is a JSON
// list of channel key strings.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedis connects to the server at rawURL (redis:// or rediss://).
func NewRedis(rawURL, channel string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: redis.NewClient(opts), channel: channel, logger: logger}, nil
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Notify publishes channels.
func (r *Redis) Notify(ctx context.Context, channels []domain.ChannelKey) error {
	payload, err := encodeKeys(channels)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish wake-up: %w", err)
	}
	return nil
}

// Listen subscribes to the wake-up channel. The returned channel is closed
// when ctx is done or the subscription breaks; the caller re-listens.
func (r *Redis) Listen(ctx context.Context) (<-chan []domain.ChannelKey, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan []domain.ChannelKey, listenerBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				keys, err := decodeKeys(msg.Payload)
				if err != nil {
					r.logger.Warn("transport: malformed wake-up", "channel", r.channel, "error", err)
					continue
				}
				select {
				case out <- keys:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// SetNX stores value under key for ttl unless the key exists.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// CompareAndDelete removes key only while it still holds value.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeKeys(channels []domain.ChannelKey) (string, error) {
	strs := make([]string, len(channels))
	for i, c := range channels {
		strs[i] = c.String()
	}
	b, err := json.Marshal(strs)
	if err != nil {
		return "", fmt.Errorf("encode wake-up: %w", err)
	}
	return string(b), nil
}

func decodeKeys(payload string) ([]domain.ChannelKey, error) {
	var strs []string
	if err := json.Unmarshal([]byte(payload), &strs); err != nil {
		return nil, err
	}
	keys := make([]domain.ChannelKey, 0, len(strs))
	for _, s := range strs {
		k, err := domain.ParseChannelKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used by RedisHub.
const DefaultRedisChannel = "chainops:events"

// RedisHub is an EventHub backed by Redis pub/sub, so that subscribers
// connected to one process see events produced by every process.
type RedisHub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisHub creates a hub on client. An empty channel uses DefaultRedisChannel.
func NewRedisHub(client *redis.Client, channel string, logger *slog.Logger) *RedisHub {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: channel, logger: logger}
}

// Publish encodes the event as JSON and publishes it.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", h.channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and forwards matching events.
// Events are dropped when the consumer falls behind.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	ps := h.client.Subscribe(ctx, h.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %q: %w", h.channel, err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("discarding malformed stream event", "error", err)
					continue
				}
				if !matchFilter(filter, ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
	return out, cancel, nil
}

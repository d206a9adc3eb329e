package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fademem/fademem/pkg/logger"
)

// RedisBus publishes events to a Redis channel and delivers everything
// received on that channel, including its own events, to local subscribers.
type RedisBus struct {
	client  RedisClient
	channel string
	origin  string
	local   *Broadcaster
	log     logger.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisBus returns a bus on channel. Call Start to begin receiving.
func NewRedisBus(client RedisClient, channel string, buffer int, log logger.Logger) *RedisBus {
	if channel == "" {
		channel = "fademem:events"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   NewBroadcaster(buffer),
		log:     log,
	}
}

// Start subscribes to the channel and forwards messages until Close.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("events: bus is closed")
	}
	if b.started {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so early publishes are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("events: subscribe %s: %w", b.channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.forward(subCtx, pubsub)
	return nil
}

func (b *RedisBus) forward(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = pubsub.Close() }()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.deliver(msg.Payload)
		}
	}
}

func (b *RedisBus) deliver(payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		b.log.Warn("dropping undecodable event", "channel", b.channel, "error", err)
		return
	}
	b.local.Broadcast(e)
}

// Publish sends e to the Redis channel.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("events: bus is closed")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Origin == "" {
		e.Origin = b.origin
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.local.Subscribe(buffer)
}

// Origin returns the id stamped on events published by this bus.
func (b *RedisBus) Origin() string {
	return b.origin
}

// Close stops forwarding and ends every local subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.local.Close()
}

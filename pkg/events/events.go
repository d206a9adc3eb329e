// Package events fans lifecycle events out to in-process subscribers, and
// optionally across processes through Redis pub/sub.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/logger"
)

// Event types.
const (
	TypeMemoryAdded     = "memory.added"
	TypeMemoryUpdated   = "memory.updated"
	TypeMemoryDeleted   = "memory.deleted"
	TypeMemoryReinforce = "memory.reinforced"
	TypeMemoryPromoted  = "memory.promoted"
	TypeMemoryDemoted   = "memory.demoted"
	TypeMemoryReechoed  = "memory.reechoed"
	TypeMemoryFused     = "memory.fused"
	TypeMemoriesReset   = "memory.reset"
	TypeDecayRun        = "maintenance.decay"
	TypeCategoryDecay   = "maintenance.category_decay"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	// Origin identifies the publishing process on a shared bus.
	Origin string `json:"origin,omitempty"`
}

// Bus publishes events and hands out subscriptions.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(buffer int) (<-chan Event, func())
	Close() error
}

// New builds the bus selected by cfg.Type. client is required for redis.
func New(cfg config.EventsConfig, client RedisClient, log logger.Logger) (Bus, error) {
	switch cfg.Type {
	case "", "local":
		return NewBroadcaster(cfg.BufferSize), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("events: redis bus requires a redis client")
		}
		return NewRedisBus(client, cfg.Channel, cfg.BufferSize, log), nil
	default:
		return nil, fmt.Errorf("events: unknown bus type %q", cfg.Type)
	}
}

// Broadcaster delivers events to in-process subscribers. A subscriber that
// falls behind loses events rather than blocking the publisher.
type Broadcaster struct {
	mu            sync.RWMutex
	subscribers   map[chan Event]struct{}
	defaultBuffer int
	closed        bool
	dropped       atomic.Int64
}

// NewBroadcaster returns a broadcaster whose subscriptions default to
// defaultBuffer slots.
func NewBroadcaster(defaultBuffer int) *Broadcaster {
	if defaultBuffer <= 0 {
		defaultBuffer = 16
	}
	return &Broadcaster{
		subscribers:   make(map[chan Event]struct{}),
		defaultBuffer: defaultBuffer,
	}
}

// Subscribe registers a subscriber. The returned func cancels it and closes
// the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[ch] = struct{}{}
	}
	b.mu.Unlock()
	return ch, func() { b.unsubscribe(ch) }
}

func (b *Broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish delivers e to every subscriber without blocking.
func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.Broadcast(e)
	return nil
}

// Broadcast is Publish without a context.
func (b *Broadcaster) Broadcast(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later subscriptions are closed at once.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
	return nil
}

// RedisClient is the slice of a go-redis client the Redis bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

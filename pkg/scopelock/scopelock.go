// Package scopelock serializes writes that touch the same memory scope.
//
// Two backends are provided: Local guards scopes inside one process, Redis
// guards them across processes sharing a Redis instance.
package scopelock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/logger"
)

// Unlock releases a held scope. Calling it more than once is a no-op.
type Unlock func()

// Locker grants exclusive access to a scope key.
type Locker interface {
	// Lock blocks until key is held or ctx ends.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// New builds the locker selected by cfg.Type. client is required for the
// redis type.
func New(cfg config.LockConfig, client redis.Cmdable, keyPrefix string, log logger.Logger) (Locker, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(0), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("scopelock: redis lock requires a redis client")
		}
		return NewRedis(client, RedisOptions{
			KeyPrefix:     keyPrefix,
			TTL:           cfg.TTL,
			RetryInterval: cfg.RetryInterval,
		}, log), nil
	default:
		return nil, fmt.Errorf("scopelock: unknown lock type %q", cfg.Type)
	}
}

// DefaultStripes is the stripe count of a Local created with n <= 0.
const DefaultStripes = 64

// Local is a striped in-process locker. Keys hashing to the same stripe share
// a mutex, so unrelated scopes may occasionally wait on each other.
type Local struct {
	stripes []chan struct{}
}

// NewLocal returns a locker with n stripes.
func NewLocal(n int) *Local {
	if n <= 0 {
		n = DefaultStripes
	}
	l := &Local{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires the stripe of key.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	slot := l.stripes[h.Sum32()%uint32(len(l.stripes))]

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("scopelock: lock %q: %w", key, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

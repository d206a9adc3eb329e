package scopelock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fademem/fademem/pkg/logger"
)

// releaseScript deletes the lock only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisOptions tunes a Redis locker.
type RedisOptions struct {
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
}

// Redis is a Locker backed by SET NX PX. A lock outlives a crashed holder
// for at most TTL.
type Redis struct {
	client redis.Cmdable
	opts   RedisOptions
	log    logger.Logger
}

// NewRedis returns a Redis locker.
func NewRedis(client redis.Cmdable, opts RedisOptions, log logger.Logger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{client: client, opts: opts, log: log}
}

// Lock retries SET NX until it wins or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.opts.KeyPrefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.opts.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.opts.TTL).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("scopelock: lock %q: %w", key, ctx.Err())
			}
			return nil, fmt.Errorf("scopelock: lock %q: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("scopelock: lock %q: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done
			relCtx, cancel := context.WithTimeout(context.Background(), r.opts.TTL)
			defer cancel()
			if err := r.client.Eval(relCtx, releaseScript, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.log.Warn("scope lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

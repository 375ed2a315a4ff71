package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultLease = 30 * time.Second
	pollInterval = 50 * time.Millisecond
	keyPrefix    = "voice-batch:lock:"
)

// release deletes the key only if it still holds our token.
var release = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every process talking to the same Redis, so the
// batch worker and the ingestion server exclude each other. The lease bounds
// how long a crashed holder can block others.
type Redis struct {
	rdb   goredis.UniversalClient
	lease time.Duration
}

func NewRedis(rdb goredis.UniversalClient, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Redis{rdb: rdb, lease: lease}
}

func (r *Redis) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	key = keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %q: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// Detached from ctx so a cancelled caller still releases.
					_ = release.Run(context.Background(), r.rdb, []string{key}, token).Err()
				})
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var _ Locker = (*Redis)(nil)

package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the key only when it still holds our token, so a
// holder whose TTL lapsed cannot free someone else's lock.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// Redis is a distributed per-auction lock for multi-instance deployments.
// The key carries a random token and a TTL longer than any expected hold;
// the TTL only matters when a process dies while holding the lock.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis returns a Redis lock.  ttl <= 0 defaults to 5s.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if prefix == "" {
		prefix = "auction-lock"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl, poll: 5 * time.Millisecond}
}

func (r *Redis) key(auctionID uint64) string {
	return r.prefix + ":" + strconv.FormatUint(auctionID, 10)
}

// Acquire polls SET NX with a growing backoff until it wins or ctx ends.
func (r *Redis) Acquire(ctx context.Context, auctionID uint64) (Release, error) {
	key := r.key(auctionID)
	token := uuid.NewString()
	wait := r.poll
	for {
		ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
		if err == nil && ok {
			return func() {
				// release must not depend on the caller's possibly expired context
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, r.rdb, []string{key}, token).Err(); err != nil {
					log.Warn().Err(err).Str("key", key).Msg("lock: redis release failed")
				}
			}, nil
		}
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("key", key).Msg("lock: redis acquire failed")
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(wait):
		}
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}
}

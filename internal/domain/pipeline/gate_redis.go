package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// acquireScript drops expired leases and takes a slot if one is free.
// KEYS[1] gate key; ARGV: now ms, lease expiry ms, limit, token, ttl ms.
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZSCORE', KEYS[1], ARGV[4]) or redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// RedisGate is a Gate shared by every worker using the same Redis. A slot
// is a lease renewed while held, so slots of a crashed worker expire.
type RedisGate struct {
	client *redis.Client
	limit  int
	lease  time.Duration
	poll   time.Duration
	prefix string
}

func NewRedisGate(client *redis.Client, limit int) *RedisGate {
	if limit <= 0 {
		limit = 5
	}
	return &RedisGate{
		client: client,
		limit:  limit,
		lease:  30 * time.Second,
		poll:   250 * time.Millisecond,
		prefix: "plushify:gate:",
	}
}

func (g *RedisGate) key(userID uuid.UUID) string {
	return g.prefix + userID.String()
}

func (g *RedisGate) Acquire(ctx context.Context, userID uuid.UUID, token string) (func(), error) {
	key := g.key(userID)
	for {
		ok, err := g.tryAcquire(ctx, key, token)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.poll):
		}
	}

	renewCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.renew(renewCtx, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := g.client.ZRem(ctx, key, token).Err(); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to release gate slot")
			}
		})
	}, nil
}

func (g *RedisGate) tryAcquire(ctx context.Context, key, token string) (bool, error) {
	now := time.Now()
	n, err := acquireScript.Run(ctx, g.client, []string{key},
		now.UnixMilli(),
		now.Add(g.lease).UnixMilli(),
		g.limit,
		token,
		(2 * g.lease).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("acquire gate slot: %w", err)
	}
	return n == 1, nil
}

// renew keeps the lease alive until ctx ends. A lease that expired and
// was taken by another run is reclaimed as soon as a slot frees up.
func (g *RedisGate) renew(ctx context.Context, key, token string) {
	ticker := time.NewTicker(g.lease / 3)
	defer ticker.Stop()
	lost := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := g.tryAcquire(ctx, key, token)
			if ctx.Err() != nil {
				return
			}
			lost = g.logRenewal(key, token, held, err, lost)
		}
	}
}

// logRenewal reports the lease state changes and returns whether the
// slot is currently lost.
func (g *RedisGate) logRenewal(key, token string, held bool, err error, wasLost bool) bool {
	switch {
	case err != nil:
		log.Warn().Err(err).Str("key", key).Msg("Failed to renew gate slot")
		return wasLost
	case !held && !wasLost:
		log.Warn().Str("key", key).Str("token", token).Msg("Gate slot lost, user is over the concurrency limit until it is reclaimed")
		return true
	case held && wasLost:
		log.Info().Str("key", key).Str("token", token).Msg("Gate slot reclaimed")
	}
	return !held
}

package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is the subset of a go-redis client the guard needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// releaseScript deletes the key only if it still holds our token, so a run
// that outlived its TTL cannot drop a lock taken by another process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard is a best-effort distributed mutex backed by a single Redis key.
type Guard struct {
	client Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewGuard(client Client, key string, ttl time.Duration, logger *zap.Logger) *Guard {
	return &Guard{client: client, key: key, ttl: ttl, logger: logger}
}

// NewClient connects to addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Acquire takes the lock if nobody holds it. The returned release func is a
// no-op when acquired is false.
func (g *Guard) Acquire(ctx context.Context) (release func(), acquired bool, err error) {
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("failed to acquire lock %s: %w", g.key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	return func() {
		// The caller's context may already be done when the run finishes.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.client, []string{g.key}, token).Err(); err != nil {
			g.logger.Warn("Failed to release lock", zap.String("key", g.key), zap.Error(err))
		}
	}, true, nil
}

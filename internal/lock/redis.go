package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as keys with a PX expiry, for deployments where
// several hosts share one database file over a network mount or replicas.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "readyline:lock:"}
}

func (l *Redis) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	return ok, nil
}

func (l *Redis) Release(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, owner).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", name, err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

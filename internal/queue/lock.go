package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the marker only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is the advisory per-region inflight marker. It is not a hard mutex:
// the TTL bounds how long a crashed holder can block a region.
type Lock struct {
	client redis.UniversalClient
	prefix string
}

// NewLock returns a lock whose keys are prefix + region code.
func NewLock(client redis.UniversalClient, prefix string) *Lock {
	return &Lock{client: client, prefix: prefix}
}

// key returns the Redis key of region.
func (l *Lock) key(region string) string {
	return l.prefix + region
}

// TryAcquire sets the marker for region to token if it is absent. A false
// result with a nil error means another fetch for the region is already in flight.
func (l *Lock) TryAcquire(ctx context.Context, region, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(region), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire inflight lock region=%s: %w", region, err)
	}
	return ok, nil
}

// Release clears the marker when it still holds token. A marker that expired
// or now belongs to another holder is left alone.
func (l *Lock) Release(ctx context.Context, region, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(region)}, token).Err(); err != nil {
		return fmt.Errorf("release inflight lock region=%s: %w", region, err)
	}
	return nil
}

// Held reports whether a fetch for region is currently marked in flight.
func (l *Lock) Held(ctx context.Context, region string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(region)).Result()
	if err != nil {
		return false, fmt.Errorf("check inflight lock region=%s: %w", region, err)
	}
	return n > 0, nil
}

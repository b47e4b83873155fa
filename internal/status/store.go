// Package status tracks the last known refresh state of each region in a
// Redis hash and answers operator status requests over RabbitMQ.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Region states written to the status hash.
const (
	StateQueued      = "queued"
	StateRunning     = "running"
	StateSucceeded   = "succeeded"
	StateQuarantined = "quarantined"
	StateError       = "error"
)

// Record is one status transition of a region.
type Record struct {
	RegionCode   string
	State        string
	JobID        string
	Origin       string
	Message      string
	UpdatedAt    time.Time
	ErrorCode    string
	ErrorMessage string
}

// Key returns the status hash key of region.
func Key(region string) string {
	return fmt.Sprintf("region:%s:status", region)
}

// RedisStore writes status hashes with a sliding TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// NewRedisStore returns a store whose hashes expire after ttl of inactivity.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, log *zap.SugaredLogger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, log: log}
}

// Upsert writes rec into the region hash and refreshes its TTL. Error fields
// from an earlier transition are cleared when rec carries none.
func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	key := Key(rec.RegionCode)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	fields := map[string]any{
		"region_code": rec.RegionCode,
		"state":       rec.State,
		"job_id":      rec.JobID,
		"origin":      rec.Origin,
		"message":     rec.Message,
		"updated_at":  rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.ErrorCode != "" {
		fields["error_code"] = rec.ErrorCode
		fields["error_message"] = rec.ErrorMessage
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset key=%s: %w", key, err)
	}
	if rec.ErrorCode == "" {
		if err := s.client.HDel(ctx, key, "error_code", "error_message").Err(); err != nil {
			s.log.Warnw("redis HDEL optional error fields failed", "key", key, "err", err)
		}
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire key=%s: %w", key, err)
	}
	return nil
}

// Read returns the raw status hash of region.
func (s *RedisStore) Read(ctx context.Context, region string) (map[string]string, bool, error) {
	key := Key(region)
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("hgetall key=%s: %w", key, err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return values, true, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a FIFO of fetch jobs on one Redis list. Delivery is at-least-once
// at best; a job lost between pop and completion is re-selected once its
// region's lock expires.
type Queue struct {
	client     redis.UniversalClient
	key        string
	popTimeout time.Duration
}

// New returns a queue on the Redis list key; popTimeout bounds each BLPOP.
func New(client redis.UniversalClient, key string, popTimeout time.Duration) *Queue {
	if popTimeout < time.Second {
		popTimeout = time.Second
	}
	return &Queue{client: client, key: key, popTimeout: popTimeout}
}

// Push appends job to the tail of the list.
func (q *Queue) Push(ctx context.Context, job FetchJob) error {
	raw, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job region=%s: %w", job.RegionCode, err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("rpush key=%s: %w", q.key, err)
	}
	return nil
}

// BlockingPop waits for the next job. BLPOP is re-issued in popTimeout slices
// so shutdown is noticed promptly. Malformed payloads are returned as
// ErrMalformedJob after being removed from the list.
func (q *Queue) BlockingPop(ctx context.Context) (FetchJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return FetchJob{}, err
		}

		res, err := q.client.BLPop(ctx, q.popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return FetchJob{}, ctxErr
			}
			return FetchJob{}, fmt.Errorf("blpop key=%s: %w", q.key, err)
		}
		if len(res) != 2 {
			return FetchJob{}, fmt.Errorf("%w: unexpected blpop reply length %d", ErrMalformedJob, len(res))
		}
		return DecodeFetchJob([]byte(res[1]))
	}
}

// Len reports the current backlog.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen key=%s: %w", q.key, err)
	}
	return n, nil
}

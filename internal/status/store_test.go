package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newStore returns a RedisStore on a fresh miniredis.
func newStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, 48*time.Hour, zaptest.NewLogger(t).Sugar())
}

func TestRedisStoreUpsertAndRead(t *testing.T) {
	t.Parallel()
	mr, store := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Upsert(ctx, Record{
		RegionCode:   "JKT",
		State:        StateQuarantined,
		JobID:        "job-1",
		Origin:       "scheduler",
		Message:      "fetch failed",
		UpdatedAt:    at,
		ErrorCode:    "upstream",
		ErrorMessage: "status=502",
	}))
	assert.Equal(t, "status=502", mr.HGet(Key("JKT"), "error_message"))
	assert.Equal(t, 48*time.Hour, mr.TTL(Key("JKT")))

	require.NoError(t, store.Upsert(ctx, Record{RegionCode: "JKT", State: StateSucceeded, JobID: "job-2", UpdatedAt: at}))

	values, found, err := store.Read(ctx, "JKT")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateSucceeded, values["state"])
	assert.Equal(t, "job-2", values["job_id"])
	assert.Equal(t, "2026-03-02T12:00:00Z", values["updated_at"])
	assert.NotContains(t, values, "error_code")
	assert.NotContains(t, values, "error_message")

	_, found, err = store.Read(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "region:JKT-01:status", Key("JKT-01"))
}

package jobsdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/twitter/offload/common/errors"
)

// Needs a Redis server: OFFLOAD_TEST_REDIS_URL=redis://localhost:6379/15
func redisLockerForTest(t *testing.T) *RedisLocker {
	url := os.Getenv("OFFLOAD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("OFFLOAD_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	key := "offload:test:" + filepath.Base(t.TempDir())
	return NewRedisLockerWithClient(client, key, time.Minute)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	l := redisLockerForTest(t)

	release, err := l.Acquire(ctx, time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, 100*time.Millisecond)
	assert.True(t, errors.Is(err, oerrors.ErrLockTimeout))
	assert.True(t, errors.Is(l.Wait(ctx, 100*time.Millisecond), oerrors.ErrLockTimeout))

	require.NoError(t, release())
	require.NoError(t, l.Wait(ctx, time.Second))

	_, err = l.Acquire(ctx, time.Second)
	require.NoError(t, err)
	info, err := l.Break(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, os.Getpid(), info.PID)
	require.NoError(t, l.Wait(ctx, time.Second))
}

func TestStoreWithRedisLocker(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, WithLocker(redisLockerForTest(t)))
	require.NoError(t, s.Add(ctx, testRecord("j1", "h1")))
	_, err := s.Update(ctx, "j1", Done)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "j1"))
}

package mutex

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPuncker/fleetcron/internal/lease"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func redisLeaseStore(t *testing.T) (*lease.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := lease.NewRedisStore(lease.Config{Redis: client, Timeout: time.Second})
	require.NoError(t, err)
	return store, mr
}

func ping() *types.JobDefinition {
	return &types.JobDefinition{ID: 1, Title: "ping", Rule: "* * * * *", Target: "echo hi"}
}

func TestTaskMutexLifecycle(t *testing.T) {
	store, mr := redisLeaseStore(t)
	m := NewTaskMutex(store, 0)
	ctx := context.Background()
	job := ping()

	exists, err := m.Exists(ctx, job)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := m.Acquire(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	key := taskKey(job)
	value, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "ping", value)
	assert.Equal(t, DefaultTTL, mr.TTL(key))

	exists, err = m.Exists(ctx, job)
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = m.Acquire(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Release(ctx, job))

	ok, err = m.Acquire(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskMutexSharedByTitleAndRule(t *testing.T) {
	m := NewTaskMutex(lease.NewMemoryStore(), time.Hour)
	ctx := context.Background()

	a := ping()
	b := ping()
	b.ID = 2
	b.Target = "echo other"

	ok, err := m.Acquire(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, b)
	require.NoError(t, err)
	assert.False(t, ok)

	c := ping()
	c.Rule = "*/5 * * * *"
	ok, err = m.Acquire(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskMutexExactlyOneConcurrentAcquire(t *testing.T) {
	store, _ := redisLeaseStore(t)
	m := NewTaskMutex(store, time.Hour)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Acquire(context.Background(), ping())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestServerMutexOwnership(t *testing.T) {
	store, mr := redisLeaseStore(t)
	ctx := context.Background()
	job := ping()

	owner := NewServerMutex(store, "eth0:0242ac110002", 0, testLogger())
	other := NewServerMutex(store, "eth0:0242ac110003", 0, testLogger())

	ok, err := owner.Attempt(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	value, err := mr.Get(serverKey(job))
	require.NoError(t, err)
	assert.Equal(t, "eth0:0242ac110002", value)

	for i := 0; i < 3; i++ {
		ok, err = owner.Attempt(ctx, job)
		require.NoError(t, err)
		assert.True(t, ok, "owner attempt %d", i)
	}

	ok, err = other.Attempt(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerMutexTakeoverAfterExpiry(t *testing.T) {
	store, mr := redisLeaseStore(t)
	ctx := context.Background()
	job := ping()

	owner := NewServerMutex(store, "node-a", time.Hour, testLogger())
	other := NewServerMutex(store, "node-b", time.Hour, testLogger())

	ok, err := owner.Attempt(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	// a successful attempt does not extend the lease
	mr.FastForward(30 * time.Minute)
	ok, err = owner.Attempt(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, mr.TTL(serverKey(job)))

	mr.FastForward(31 * time.Minute)

	ok, err = other.Attempt(ctx, job)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = owner.Attempt(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerMutexDegraded(t *testing.T) {
	store := lease.NewMemoryStore()
	ctx := context.Background()

	claimed := NewServerMutex(store, "node-a", time.Hour, testLogger())
	ok, err := claimed.Attempt(ctx, ping())
	require.NoError(t, err)
	require.True(t, ok)

	degraded := NewServerMutex(store, "", time.Hour, testLogger())
	assert.True(t, degraded.Degraded())

	ok, err = degraded.Attempt(ctx, ping())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMutexStoreUnavailable(t *testing.T) {
	store, mr := redisLeaseStore(t)
	mr.Close()
	ctx := context.Background()

	_, err := NewTaskMutex(store, time.Hour).Acquire(ctx, ping())
	assert.Error(t, err)

	_, err = NewServerMutex(store, "node-a", time.Hour, testLogger()).Attempt(ctx, ping())
	assert.Error(t, err)
}

func TestTaskAndServerKeysAreDisjoint(t *testing.T) {
	job := ping()
	assert.NotEqual(t, taskKey(job), serverKey(job))
	assert.Contains(t, taskKey(job), job.LockKey())
	assert.Contains(t, serverKey(job), job.LockKey())
}

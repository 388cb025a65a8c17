package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-audit-ledger/services"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "lock:block:", 10*time.Second, 1)
	tenant := uuid.New()

	release, err := locker.Acquire(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:block:"+tenant.String()))
	assert.Equal(t, 10*time.Second, mr.TTL(locker.Key(tenant)))

	_, err = locker.Acquire(ctx, tenant)
	assert.ErrorIs(t, err, services.ErrSealInProgress)

	_, err = locker.Acquire(ctx, uuid.New())
	assert.NoError(t, err, "other tenants are not blocked")

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(locker.Key(tenant)))

	_, err = locker.Acquire(ctx, tenant)
	assert.NoError(t, err)
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "lock:block:", time.Second, 1)
	tenant := uuid.New()

	release, err := locker.Acquire(ctx, tenant)
	require.NoError(t, err)

	// Our lock expires and another instance takes it
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(locker.Key(tenant), "other-instance"))

	require.NoError(t, release(ctx))
	got, err := mr.Get(locker.Key(tenant))
	require.NoError(t, err)
	assert.Equal(t, "other-instance", got)
}

func TestRedisLocker_Unreachable(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client, "lock:block:", time.Second, 3)
	mr.Close()

	_, err := locker.Acquire(context.Background(), uuid.New())
	assert.True(t, services.IsUnavailableError(err))
}

func TestLocalLocker(t *testing.T) {
	release, err := LocalLocker{}.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
}

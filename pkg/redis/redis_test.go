package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestIncrementOnce(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestClient(t)

	_, _, err := IncrementOnce(ctx, rdb, "s1", "release:r1", 2)
	require.ErrorIs(t, err, ErrStockMissing)

	require.NoError(t, mr.Set(StockKey("s1"), "3"))

	remaining, applied, err := IncrementOnce(ctx, rdb, "s1", "release:r1", 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5), remaining)

	// 同一幂等键重复回补不生效
	remaining, applied, err = IncrementOnce(ctx, rdb, "s1", "release:r1", 2)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(5), remaining)
	assert.True(t, mr.Exists(StockGuardKey("release:r1")))

	// 无 guard 时每次都生效
	remaining, applied, err = IncrementOnce(ctx, rdb, "s1", "", -1)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(4), remaining)
}

func TestReleaseIfMatch(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestClient(t)
	key := QueueHoldKey("s1", "u1")
	require.NoError(t, mr.Set(key, "owner-a"))

	ok, err := ReleaseIfMatch(ctx, rdb, key, "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists(key))

	ok, err = ReleaseIfMatch(ctx, rdb, key, "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists(key))
}

func TestIsNil(t *testing.T) {
	_, rdb := newTestClient(t)
	_, err := rdb.Get(context.Background(), "missing").Result()
	assert.True(t, IsNil(err))
	assert.False(t, IsNil(nil))
}

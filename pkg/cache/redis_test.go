package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFromClient(client), mr
}

func TestHSetHGetAll(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	err := c.HSet(ctx, "api^film.mp4^http://origin:9000", map[string]string{
		"mpu_id": "abc",
		"status": "in_progress",
	}, 0)
	require.NoError(t, err)

	fields, err := c.HGetAll(ctx, "api^film.mp4^http://origin:9000")
	require.NoError(t, err)
	assert.Equal(t, "abc", fields["mpu_id"])
	assert.Equal(t, "in_progress", fields["status"])
}

func TestHGetAll_MissingKey(t *testing.T) {
	c, _ := newTestCache(t)

	fields, err := c.HGetAll(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestHSet_TTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "transient", map[string]string{"a": "1"}, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("transient"))

	require.NoError(t, c.HSet(ctx, "persistent", map[string]string{"a": "1"}, 0))
	assert.Zero(t, mr.TTL("persistent"))
}

func TestDel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "a", map[string]string{"x": "1"}, 0))
	require.NoError(t, c.Del(ctx, "a", "missing"))

	fields, err := c.HGetAll(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, fields)

	// No keys at all is a no-op.
	assert.NoError(t, c.Del(ctx))
}

func TestKeys_Pattern(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, key := range []string{
		"cdn^a.mp4^http://edge1:9000",
		"cdn^b.mp4^http://edge1:9000",
		"cdn^a.mp4^http://edge2:9000",
		"api^a.mp4^http://origin:9000",
	} {
		require.NoError(t, c.HSet(ctx, key, map[string]string{"status": "in_progress"}, 0))
	}

	keys, err := c.Keys(ctx, "cdn^*^http://edge1:9000")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"cdn^a.mp4^http://edge1:9000",
		"cdn^b.mp4^http://edge1:9000",
	}, keys)
}

func TestIncrExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrExpire(ctx, "203.0.113.9:41", 59*time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, 59*time.Second, mr.TTL("203.0.113.9:41"))

	// The counter resets once the TTL elapses.
	mr.FastForward(time.Minute)
	n, err := c.IncrExpire(ctx, "203.0.113.9:41", 59*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

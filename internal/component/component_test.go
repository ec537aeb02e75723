package component

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestGetCache_FreeCache(t *testing.T) {
	t.Setenv("FREECACHE_TTL", "60")
	t.Setenv("FREECACHE_SIZE", "")

	c, err := GetCache(context.Background(), "freecache")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, 60, c.GetDefaultTTL())
	c.ShutDown(context.Background())
}

func TestGetCache_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ENDPOINT", mr.Addr())
	t.Setenv("REDIS_TTL", "30")
	t.Setenv("REDIS_CLIENT_PASSWORD", "")

	c, err := GetCache(context.Background(), "redis")
	require.NoError(t, err)
	require.Equal(t, 30, c.GetDefaultTTL())

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "indexes:nt", []string{"km08_ob08_mp0500_mn0_ph0"}, 30))
	var names []string
	require.NoError(t, c.Get(ctx, "indexes:nt", &names))
	require.Equal(t, []string{"km08_ob08_mp0500_mn0_ph0"}, names)
	c.ShutDown(ctx)
}

func TestGetCache_RedisMisconfigured(t *testing.T) {
	t.Setenv("REDIS_ENDPOINT", "")
	t.Setenv("REDIS_TTL", "30")

	c, err := GetCache(context.Background(), "redis")
	require.Error(t, err)
	require.Nil(t, c)
}

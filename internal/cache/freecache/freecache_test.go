package freecache

import (
	"context"
	"testing"
	"time"

	"github.com/ssuji15/kmerq/internal/cache"
	"github.com/ssuji15/kmerq/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl int) *FreeCache {
	t.Helper()
	c, err := NewFreeCache(&config.FreeCacheConfig{SIZE_BYTES: 1 << 20, TTL: ttl})
	require.NoError(t, err)
	return c
}

func TestFreeCache_Put(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 5)

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"Empty key should fail", "", "value", true},
		{"Nil value should fail", "nil_value", nil, true},
		{"String slice should succeed", "indexes:nt", []string{"km16_ob08_mp0500_mn0_ph0"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFreeCache_Get(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 5)

	want := []string{"km16_ob08_mp0500_mn0_ph0", "km24_ob08_mp0500_mn0_ph1"}
	require.NoError(t, c.Put(ctx, "indexes:nt", want, c.GetDefaultTTL()))

	var got []string
	require.NoError(t, c.Get(ctx, "indexes:nt", &got))
	require.Equal(t, want, got)

	err := c.Get(ctx, "indexes:missing", &got)
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.Error(t, c.Get(ctx, "", &got))
}

func TestFreeCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1)

	require.NoError(t, c.Put(ctx, "short", "temp", 1))
	require.NoError(t, c.Put(ctx, "long", "persistent", 10))

	time.Sleep(2100 * time.Millisecond)

	var out string
	require.ErrorIs(t, c.Get(ctx, "short", &out), cache.ErrNotFound)
	require.NoError(t, c.Get(ctx, "long", &out))
	require.Equal(t, "persistent", out)
}

func TestFreeCache_Shutdown(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 5)

	require.NoError(t, c.Put(ctx, "key1", "value1", c.GetDefaultTTL()))
	c.ShutDown(ctx)

	var out string
	require.Error(t, c.Get(ctx, "key1", &out))
}

func TestNewFreeCache_InvalidSize(t *testing.T) {
	c, err := NewFreeCache(&config.FreeCacheConfig{SIZE_BYTES: 0, TTL: 5})
	require.Error(t, err)
	require.Nil(t, c)
}

func TestFreeCache_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 1)

	require.NoError(t, c.Put(ctx, "indexes:nt", []string{"km16_ob08_mp0500_mn0_ph0"}, 0))
	time.Sleep(2100 * time.Millisecond)

	var out []string
	require.ErrorIs(t, c.Get(ctx, "indexes:nt", &out), cache.ErrNotFound)
}

func TestFreeCache_UndecodableEntryDropped(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 5)

	require.NoError(t, c.Put(ctx, "indexes:nt", "not a list", 5))

	var out []string
	err := c.Get(ctx, "indexes:nt", &out)
	require.Error(t, err)
	require.NotErrorIs(t, err, cache.ErrNotFound)
	require.ErrorIs(t, c.Get(ctx, "indexes:nt", &out), cache.ErrNotFound)
}

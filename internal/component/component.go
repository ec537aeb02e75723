package component

import (
	"context"

	"github.com/ssuji15/kmerq/internal/cache"
	"github.com/ssuji15/kmerq/internal/cache/freecache"
	"github.com/ssuji15/kmerq/internal/cache/redis"
	"github.com/ssuji15/kmerq/internal/config"
)

// GetCache builds the index-list cache selected by CACHE_TYPE.
func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		cfg, err := config.GetRedisConfig()
		if err != nil {
			return nil, err
		}
		c, err := redis.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		cfg, err := config.GetFreeCacheConfig()
		if err != nil {
			return nil, err
		}
		c, err := freecache.NewFreeCache(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/ssuji15/kmerq/internal/cache"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/util"
)

// Lister reads the indexes present in one database.
type Lister interface {
	ListIndexes(ctx context.Context, database string) ([]Descriptor, error)
}

type ListerFunc func(ctx context.Context, database string) ([]Descriptor, error)

func (f ListerFunc) ListIndexes(ctx context.Context, database string) ([]Descriptor, error) {
	return f(ctx, database)
}

// Discovery caches index lists per database. A nil cache disables caching.
type Discovery struct {
	lister Lister
	cache  cache.Cache
}

func NewDiscovery(lister Lister, c cache.Cache) *Discovery {
	return &Discovery{lister: lister, cache: c}
}

func (d *Discovery) Indexes(ctx context.Context, database string) ([]Descriptor, error) {
	key := util.GetIndexCacheKey(database)
	log := logger.FromContext(ctx)

	if d.cache != nil {
		var names []string
		err := d.cache.Get(ctx, key, &names)
		if err == nil {
			return descriptorsFromNames(names)
		}
		if !errors.Is(err, cache.ErrNotFound) {
			log.Warn().Err(err).Str("database", database).Msg("index cache read failed")
		}
	}

	ds, err := d.lister.ListIndexes(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes of %s: %w", database, err)
	}

	if d.cache != nil {
		// an empty list is not cached so a freshly built index shows up at once
		if len(ds) > 0 {
			if err := d.cache.Put(ctx, key, Names(ds), d.cache.GetDefaultTTL()); err != nil {
				log.Warn().Err(err).Str("database", database).Msg("index cache write failed")
			}
		}
	}
	return ds, nil
}

func descriptorsFromNames(names []string) ([]Descriptor, error) {
	ds := make([]Descriptor, 0, len(names))
	for _, n := range names {
		d, err := ParseName(n)
		if err != nil {
			return nil, fmt.Errorf("cached index list is corrupt: %w", err)
		}
		ds = append(ds, d)
	}
	return ds, nil
}

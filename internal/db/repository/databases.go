package repository

import (
	"context"

	"github.com/ssuji15/kmerq/internal/db"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/model"
)

// Databases routes searches and index listings to the pool of the named
// database.
type Databases struct {
	pools *db.Pools
}

func NewDatabases(pools *db.Pools) *Databases {
	return &Databases{pools: pools}
}

func (d *Databases) repo(ctx context.Context, database string) (*SearchRepository, error) {
	conn, err := d.pools.Get(ctx, database)
	if err != nil {
		return nil, err
	}
	return NewSearchRepository(conn), nil
}

func (d *Databases) Search(ctx context.Context, database string, q model.SearchQuery) ([]model.Row, error) {
	r, err := d.repo(ctx, database)
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, q)
}

func (d *Databases) ListIndexes(ctx context.Context, database string) ([]index.Descriptor, error) {
	r, err := d.repo(ctx, database)
	if err != nil {
		return nil, err
	}
	return r.ListIndexes(ctx)
}

package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ssuji15/kmerq/internal/config"
)

type DB struct {
	Pool     *pgxpool.Pool
	Database string
}

// New connects to database on the server described by cfg. An empty
// database keeps the one named in the URL.
func New(ctx context.Context, cfg *config.PostgresConfig, database string) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pg config: %w", err)
	}
	if database != "" {
		pcfg.ConnConfig.Database = database
	}

	pcfg.MaxConns = int32(cfg.MAX_CONNS)
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s: %w", pcfg.ConnConfig.Database, err)
	}

	return &DB{Pool: pool, Database: pcfg.ConnConfig.Database}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

// Pools lazily opens one pool per catalogue database.
type Pools struct {
	cfg *config.PostgresConfig

	mu    sync.Mutex
	pools map[string]*DB
}

func NewPools(cfg *config.PostgresConfig) *Pools {
	return &Pools{cfg: cfg, pools: make(map[string]*DB)}
}

func (p *Pools) Get(ctx context.Context, database string) (*DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.pools[database]; ok {
		return d, nil
	}
	d, err := New(ctx, p.cfg, database)
	if err != nil {
		return nil, err
	}
	p.pools[database] = d
	return d, nil
}

func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, d := range p.pools {
		d.Close()
		delete(p.pools, name)
	}
}

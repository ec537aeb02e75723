package freecache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	fc "github.com/coocood/freecache"
	"github.com/ssuji15/kmerq/internal/cache"
	"github.com/ssuji15/kmerq/internal/config"
)

// FreeCache keeps discovered index lists in the server's own memory. Values
// are gob encoded.
type FreeCache struct {
	entries *fc.Cache
	ttl     int // seconds
}

func NewFreeCache(cfg *config.FreeCacheConfig) (*FreeCache, error) {
	if cfg.SIZE_BYTES <= 0 {
		return nil, fmt.Errorf("freecache size must be positive")
	}
	return &FreeCache{
		entries: fc.NewCache(cfg.SIZE_BYTES),
		ttl:     cfg.TTL,
	}, nil
}

// Put stores value under key. A non-positive ttl falls back to the
// configured one so index lists never live forever.
func (c *FreeCache) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.entries.Set([]byte(key), buf.Bytes(), ttl)
}

func (c *FreeCache) Get(ctx context.Context, key string, out interface{}) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	data, err := c.entries.Get([]byte(key))
	if errors.Is(err, fc.ErrNotFound) {
		return fmt.Errorf("%w: %s", cache.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		// drop the entry so the next lookup goes back to the database
		c.entries.Del([]byte(key))
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (c *FreeCache) GetDefaultTTL() int {
	return c.ttl
}

func (c *FreeCache) ShutDown(ctx context.Context) {
	c.entries.Clear()
}

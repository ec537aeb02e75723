package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

type Cache interface {
	// Put stores value under key for ttl seconds.
	Put(ctx context.Context, key string, value interface{}, ttl int) error
	// Get decodes the value stored under key into out, which must be a pointer.
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}

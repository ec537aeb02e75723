package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ssuji15/kmerq/internal/cache"
	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RedisClient struct {
	client *redis.Client
	ttl    int
}

func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*RedisClient, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:            cfg.URL,
		Password:        cfg.ClientPassword,
		DB:              0,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     1 * time.Second,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
		ConnMaxIdleTime: 10 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	return &RedisClient{
		client: rc,
		ttl:    cfg.TTL,
	}, nil
}

// keyPrefix keeps kmerq entries apart when the redis instance is shared.
const keyPrefix = "kmerq:"

func startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Redis/"+op)
	span.AddEvent("redis.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	return ctx, span
}

// Put stores value under key. A non-positive ttl falls back to the
// configured one.
func (r *RedisClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	ctx, span := startSpan(ctx, "Put", key)
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+key, b, time.Duration(ttl)*time.Second).Err(); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// Get decodes the entry into out, a non-nil pointer. An undecodable entry
// is removed so the next lookup repopulates it.
func (r *RedisClient) Get(ctx context.Context, key string, out interface{}) error {
	ctx, span := startSpan(ctx, "Get", key)
	defer span.End()
	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}

	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", cache.ErrNotFound, key)
	}
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(val, out); err != nil {
		_ = r.client.Del(ctx, keyPrefix+key).Err()
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *RedisClient) GetDefaultTTL() int {
	return r.ttl
}

func (r *RedisClient) ShutDown(ctx context.Context) {
	_ = r.client.Close()
}

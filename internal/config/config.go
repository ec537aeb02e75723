package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	LOG_LEVEL    string
	CACHE_TYPE   string
}

type ServerConfig struct {
	LISTEN_ADDR      string
	MAX_JOBS         int
	JOB_TIMEOUT      time.Duration
	RESULT_RETENTION time.Duration
	SWEEP_INTERVAL   time.Duration
	CANCEL_GRACE     time.Duration
	LAUNCHER_TYPE    string
	WORKER_BINARY    string
	WORKER_LOG_DIR   string
	MAX_BODY_BYTES   int64
	DATABASES_FILE   string
}

type JobStoreConfig struct {
	PATH         string
	BUSY_TIMEOUT time.Duration
}

type PostgresConfig struct {
	URL       string
	MAX_CONNS int
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type BatchConfig struct {
	THREADS int
}

const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intOrDefault(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := convertStringToInt(v, key)
	if err != nil {
		return -1, err
	}
	if n < 0 {
		return -1, fmt.Errorf("KEY: %s must not be negative", key)
	}
	return n, nil
}

func secondsOrDefault(key string, def time.Duration) (time.Duration, error) {
	n, err := intOrDefault(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func stringOrDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	ct := stringOrDefault("CACHE_TYPE", "freecache")
	if ct != "freecache" && ct != "redis" {
		return nil, fmt.Errorf("KEY: CACHE_TYPE is invalid: %s", ct)
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		LOG_LEVEL:    stringOrDefault("LOG_LEVEL", "info"),
		CACHE_TYPE:   ct,
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	df := env("DATABASES_FILE")
	if df == "" {
		return nil, fmt.Errorf("KEY: DATABASES_FILE is empty")
	}
	mj, err := intOrDefault("MAX_JOBS", 10)
	if err != nil {
		return nil, err
	}
	if mj == 0 {
		return nil, fmt.Errorf("KEY: MAX_JOBS must be positive")
	}
	jt, err := secondsOrDefault("JOB_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	rr, err := secondsOrDefault("RESULT_RETENTION", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	si, err := secondsOrDefault("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	if si == 0 {
		return nil, fmt.Errorf("KEY: SWEEP_INTERVAL must be positive")
	}
	cg, err := secondsOrDefault("CANCEL_GRACE", 5*time.Second)
	if err != nil {
		return nil, err
	}
	lt := stringOrDefault("LAUNCHER_TYPE", LauncherProcess)
	if lt != LauncherProcess && lt != LauncherInProcess {
		return nil, fmt.Errorf("KEY: LAUNCHER_TYPE is invalid: %s", lt)
	}
	mb, err := intOrDefault("MAX_BODY_BYTES", 16<<20)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		LISTEN_ADDR:      stringOrDefault("LISTEN_ADDR", ":8080"),
		MAX_JOBS:         mj,
		JOB_TIMEOUT:      jt,
		RESULT_RETENTION: rr,
		SWEEP_INTERVAL:   si,
		CANCEL_GRACE:     cg,
		LAUNCHER_TYPE:    lt,
		WORKER_BINARY:    stringOrDefault("WORKER_BINARY", "kmerq_worker"),
		WORKER_LOG_DIR:   env("WORKER_LOG_DIR"),
		MAX_BODY_BYTES:   int64(mb),
		DATABASES_FILE:   df,
	}, nil
}

func GetJobStoreConfig() (*JobStoreConfig, error) {
	p := env("JOBSTORE_PATH")
	if p == "" {
		return nil, fmt.Errorf("KEY: JOBSTORE_PATH is empty")
	}
	bt, err := intOrDefault("JOBSTORE_BUSY_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	return &JobStoreConfig{
		PATH:         p,
		BUSY_TIMEOUT: time.Duration(bt) * time.Millisecond,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	mc, err := intOrDefault("POSTGRES_MAX_CONNS", 10)
	if err != nil {
		return nil, err
	}
	return &PostgresConfig{
		URL:       url,
		MAX_CONNS: mc,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := intOrDefault("FREECACHE_TTL", 300)
	if err != nil {
		return nil, err
	}
	fs, err := intOrDefault("FREECACHE_SIZE", 1<<20)
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetBatchConfig() (*BatchConfig, error) {
	th, err := intOrDefault("BATCH_THREADS", 1)
	if err != nil {
		return nil, err
	}
	if th == 0 {
		return nil, fmt.Errorf("KEY: BATCH_THREADS must be positive")
	}
	return &BatchConfig{THREADS: th}, nil
}

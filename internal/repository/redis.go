package repository

import (
	"context"
	"crypto/tls"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPoolSize     = 10
	defaultMinIdleConns = 3
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisClient wraps the operations the pipeline needs from Redis.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a Redis client from an address or redis:// URL.
func NewRedisClient(addr string) *RedisClient {
	poolSize := getEnvInt("REDIS_POOL_SIZE", defaultPoolSize)
	minIdle := getEnvInt("REDIS_MIN_IDLE_CONNS", defaultMinIdleConns)
	dialTimeout := time.Duration(getEnvInt("REDIS_DIAL_TIMEOUT_MS", int(defaultDialTimeout/time.Millisecond))) * time.Millisecond
	readTimeout := time.Duration(getEnvInt("REDIS_READ_TIMEOUT_MS", int(defaultReadTimeout/time.Millisecond))) * time.Millisecond
	writeTimeout := time.Duration(getEnvInt("REDIS_WRITE_TIMEOUT_MS", int(defaultWriteTimeout/time.Millisecond))) * time.Millisecond

	opts := &redis.Options{
		Addr: addr,
		DB:   0,
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		if parsed, err := redis.ParseURL(addr); err == nil {
			opts = parsed
		}
	}

	if opts.Password == "" {
		opts.Password = os.Getenv("REDIS_PASSWORD")
	}
	if opts.TLSConfig == nil {
		if strings.HasPrefix(addr, "rediss://") || getEnvBool("REDIS_TLS", false) {
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	}
	opts.PoolSize = poolSize
	opts.MinIdleConns = minIdle
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	return &RedisClient{client: redis.NewClient(opts)}
}

// Ping verifies connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Set stores a string value with expiration.
func (r *RedisClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

// SetNX stores a value only if the key does not exist. Used for webhook
// in-flight dedup; the durable idempotence layer remains the task upsert.
func (r *RedisClient) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Del removes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// XAdd appends an entry to a stream and returns its entry id.
func (r *RedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return r.client.XAdd(ctx, args).Result()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the connection settings for the shared store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Redis implements Store over go-redis.
type Redis struct {
	cli *redis.Client
}

var _ Store = (*Redis)(nil)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &Redis{cli: cli}, nil
}

func (r *Redis) Close() error { return r.cli.Close() }

// Ping verifies connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	res, err := r.cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return res, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.cli.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.cli.Del(ctx, key).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.cli.Expire(ctx, key, ttl).Err()
}

func (r *Redis) ListPush(ctx context.Context, key, value string, cap int64) error {
	pipe := r.cli.TxPipeline()
	pipe.LPush(ctx, key, value)
	if cap > 0 {
		pipe.LTrim(ctx, key, 0, cap-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.cli.LRange(ctx, key, start, stop).Result()
}

package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Redis stores entries as plain string keys. Expiry is delegated to the server
// through SET ... PX.
type Redis struct {
	pool *redis.Pool
}

// OpenRedis connects to the server addressed by a redis:// or rediss:// URL.
func OpenRedis(ctx context.Context, rawURL string) (*Redis, error) {
	pool := &redis.Pool{
		MaxIdle:     4,
		MaxActive:   16,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, rawURL,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, lastUsed time.Time) error {
			if time.Since(lastUsed) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	r := &Redis{pool: pool}
	if err := r.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, dependencyErr(err, "kvstore: redis get %s", key)
	}
	defer conn.Close()

	value, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dependencyErr(err, "kvstore: redis get %s", key)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return dependencyErr(err, "kvstore: redis set %s", key)
	}
	defer conn.Close()

	if value == nil {
		value = []byte{}
	}
	args := []any{key, value}
	if ttl > 0 {
		args = append(args, "PX", max(ttl.Milliseconds(), 1))
	}
	if _, err := redis.String(redis.DoContext(conn, ctx, "SET", args...)); err != nil {
		return dependencyErr(err, "kvstore: redis set %s", key)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return dependencyErr(err, "kvstore: redis ping")
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return dependencyErr(err, "kvstore: redis ping")
	}
	return nil
}

func (r *Redis) Close() error {
	return r.pool.Close()
}

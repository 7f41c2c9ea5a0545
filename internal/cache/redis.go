package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "hkit:cache:"

// RedisConfig holds the connection settings for the shared cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a Cache shared between API instances. Each kind keeps a set of its
// keys so invalidation does not need SCAN.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: rdb, ttl: cfg.TTL}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func indexKey(kind string) string {
	return keyPrefix + "idx:" + kind
}

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return raw, true, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value []byte) error {
	k := keyPrefix + key.String()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, k, value, r.ttl)
		p.SAdd(ctx, indexKey(key.Kind), k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, kinds ...string) error {
	for _, kind := range kinds {
		idx := indexKey(kind)
		keys, err := r.client.SMembers(ctx, idx).Result()
		if err != nil {
			return fmt.Errorf("redis smembers %s: %w", idx, err)
		}
		if err := r.client.Del(ctx, append(keys, idx)...).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", kind, err)
		}
	}
	return nil
}

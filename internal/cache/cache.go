// Package cache wraps the shared Redis instance: plain key/value with TTL
// for identity and last-seen mirrors, and a pub/sub channel that fans
// CRUD invalidations out to every worker process.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrMiss is returned when a key is absent from the shared cache.
var ErrMiss = errors.New("cache miss")

// InvalidationChannel carries CRUD invalidation messages between processes.
// Message forms: "factory:{slug}", "device:{factory_id}:{device_key}",
// "params:{device_id}", "rules:{factory_id}".
const InvalidationChannel = "factoryops:invalidate"

type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

func Connect(ctx context.Context, redisURL string, log zerolog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return &Cache{rdb: rdb, log: log}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, log: log}
}

func (c *Cache) Client() *redis.Client { return c.rdb }

func (c *Cache) Close() error { return c.rdb.Close() }

// GetInt reads an integer value; ErrMiss when absent.
func (c *Cache) GetInt(ctx context.Context, key string) (int, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("corrupt cache value %q at %s: %w", s, key, err)
	}
	return n, nil
}

// GetString reads a string value; ErrMiss when absent.
func (c *Cache) GetString(ctx context.Context, key string) (string, error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return s, err
}

// Set writes a value with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// AddSetMembers appends members to a set and refreshes its TTL.
func (c *Cache) AddSetMembers(ctx context.Context, key string, ttl time.Duration, members ...any) error {
	if len(members) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSetMembers returns all members of a set; ErrMiss when the set is absent.
func (c *Cache) GetSetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrMiss
	}
	return members, nil
}

// SetHashFields writes fields of a hash and refreshes its TTL. Used for the
// per-device live KPI mirror.
func (c *Cache) SetHashFields(ctx context.Context, key string, ttl time.Duration, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetHash returns all fields of a hash; ErrMiss when absent.
func (c *Cache) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrMiss
	}
	return fields, nil
}

// PublishInvalidation broadcasts one invalidation message.
func (c *Cache) PublishInvalidation(ctx context.Context, message string) error {
	return c.rdb.Publish(ctx, InvalidationChannel, message).Err()
}

// SubscribeInvalidations delivers invalidation messages to handler until ctx
// is cancelled. Runs in its own goroutine.
func (c *Cache) SubscribeInvalidations(ctx context.Context, handler func(message string)) {
	sub := c.rdb.Subscribe(ctx, InvalidationChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

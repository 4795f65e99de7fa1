package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const ownerKeyPrefix = "chat-memory:owner:"

// RedisConfig holds the shared owner cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a mapping outlives its conversation; zero keeps it
	// until deleted.
	TTL time.Duration
}

// RedisCache implements Cache on Redis so Lambda instances share discovered
// owners.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("resolver: connect to redis %s: %w", cfg.Addr, err)
	}
	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

func (c *RedisCache) Get(ctx context.Context, conversationID string) (string, error) {
	owner, err := c.client.Get(ctx, ownerKeyPrefix+conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, fmt.Errorf("resolver: redis get %s: %w", conversationID, err)
	}
	return owner, nil
}

func (c *RedisCache) Set(ctx context.Context, conversationID, tenantID string) error {
	if err := c.client.Set(ctx, ownerKeyPrefix+conversationID, tenantID, c.ttl).Err(); err != nil {
		return fmt.Errorf("resolver: redis set %s: %w", conversationID, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, conversationID string) error {
	if err := c.client.Del(ctx, ownerKeyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("resolver: redis delete %s: %w", conversationID, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

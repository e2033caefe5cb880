package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wabridge/pkg/session"
)

const defaultRedisKey = "wabridge:credentials"

// RedisConfig holds the Redis connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore keeps credentials under a single Redis key with no expiry.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisStore(client, cfg.Key), nil
}

func newRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (session.Credentials, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Credentials{}, nil
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}

	return decode(data)
}

func (r *RedisStore) Save(ctx context.Context, creds session.Credentials) error {
	data, err := encode(creds)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set credentials: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis delete credentials: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

package pluginstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
)

// DefaultRedisPrefix namespaces snapshot keys
const DefaultRedisPrefix = "mira:snapshot:"

// RedisConfig configures the Redis snapshot store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// TTL expires snapshots that are not saved again. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps registry snapshots as Redis strings
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger zerolog.Logger
}

var _ plugin.SnapshotStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, logger zerolog.Logger, config RedisConfig) (*RedisStore, error) {
	if config.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRedisPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With().Str("component", "redis-store").Logger(),
	}, nil
}

func (s *RedisStore) key(key string) string {
	return s.config.Prefix + key
}

// Save replaces the snapshot stored under key
func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Load returns the snapshot stored under key
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, plugin.ErrSnapshotNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Delete removes the snapshot stored under key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

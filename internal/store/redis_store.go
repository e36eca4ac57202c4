package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/elecbits/heartbeat-relay/internal/model"
)

const (
	keyPrefix = "heartbeat:last:"
	scanCount = 100
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisStore implements HeartbeatStore for Redis
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return NewRedisStoreWithClient(client, ttl, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Record stores msg as the tenant's last heartbeat with the store TTL
func (s *RedisStore) Record(ctx context.Context, msg model.Message) error {
	data, err := json.Marshal(toRecord(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return s.client.Set(ctx, keyPrefix+msg.TenantID, data, s.ttl).Err()
}

// Last returns the tenant's last heartbeat
func (s *RedisStore) Last(ctx context.Context, tenantID string) (model.Message, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.Message{}, false, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	return rec.message(), true, nil
}

// List returns every stored heartbeat ordered by tenant ID
func (s *RedisStore) List(ctx context.Context) ([]model.Message, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan heartbeats: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load heartbeats: %w", err)
	}

	out := make([]model.Message, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn("Skipping unreadable heartbeat",
				zap.String("key", strings.TrimPrefix(keys[i], keyPrefix)),
				zap.Error(err))
			continue
		}
		out = append(out, rec.message())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore keeps nonces in a local redis with SET NX and a TTL that
// outlives the nonce's freshness, so eviction is redis' job.
type RedisNonceStore struct {
	client *redis.Client
	window time.Duration
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisNonceStore(ctx context.Context, cfg RedisConfig, window time.Duration) (*RedisNonceStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "portunus:nonce:"
	}
	return &RedisNonceStore{client: client, window: window, prefix: prefix}, nil
}

func (s *RedisNonceStore) Seen(ctx context.Context, nonce string, _ time.Time) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Add sets the key with a TTL reaching expires.  Redis TTLs are whole
// seconds here, so one second of slack keeps the key past the boundary.
func (s *RedisNonceStore) Add(ctx context.Context, nonce string, now, expires time.Time) (bool, error) {
	ttl := expires.Sub(now)
	if ttl < s.window {
		ttl = s.window
	}
	return s.client.SetNX(ctx, s.prefix+nonce, now.Unix(), ttl+time.Second).Result()
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

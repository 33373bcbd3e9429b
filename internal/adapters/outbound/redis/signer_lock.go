// Package redis provides a Redis implementation of the SignerLock port.
//
// The lock is a single key set with NX and a TTL. Its value is a random token
// so only the holder can extend or release it; both are atomic compare-and-set
// scripts. The holder extends the key while it works, so the TTL only bounds
// how long a crashed process can block other liquidators.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archon-research/liquidator/internal/ports/outbound"
)

// Compile-time check that SignerLock implements outbound.SignerLock
var _ outbound.SignerLock = (*SignerLock)(nil)

// releaseScript deletes KEYS[1] only when it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry of KEYS[1] to ARGV[2] milliseconds only when
// it still holds ARGV[1].
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config holds Redis lock configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr     string
	Password string
	DB       int
	// TTL is how long a lock lives after it was last acquired or extended.
	TTL time.Duration
	// KeyPrefix is prepended to all lock keys
	KeyPrefix string
}

// ConfigDefaults returns the default lock configuration.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		TTL:       10 * time.Minute,
		KeyPrefix: "liquidator",
	}
}

// SignerLock is a Redis implementation of outbound.SignerLock.
type SignerLock struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// NewSignerLock creates a new Redis signer lock.
func NewSignerLock(cfg Config, logger *slog.Logger) (*SignerLock, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	defaults := ConfigDefaults()
	if cfg.TTL == 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &SignerLock{
		client:    client,
		ttl:       cfg.TTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With("component", "redis-signer-lock"),
	}, nil
}

// Ping checks the Redis connection.
func (l *SignerLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *SignerLock) Close() error {
	return l.client.Close()
}

func (l *SignerLock) key(key string) string {
	return l.keyPrefix + ":lock:" + key
}

// Acquire takes the lock for key. It returns outbound.ErrSignerLocked when
// another holder has it.
func (l *SignerLock) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", outbound.ErrSignerLocked
	}
	l.logger.Debug("lock acquired", "key", key, "ttl", l.ttl)
	return token, nil
}

// Extend resets the lock's TTL if token still owns it. It returns
// outbound.ErrSignerLockLost when the key expired or belongs to another holder.
func (l *SignerLock) Extend(ctx context.Context, key, token string) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(key)}, token, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return outbound.ErrSignerLockLost
	}
	return nil
}

// Release drops the lock if token still owns it. Releasing a lock that expired
// or was taken over is not an error.
func (l *SignerLock) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		l.logger.Warn("lock was no longer held at release", "key", key)
	}
	return nil
}

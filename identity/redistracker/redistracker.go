// Package redistracker is an identity.Tracker that keeps request counters in
// Redis, one key per session.
package redistracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgitj/mcp-identity-tracking-sdk/identity"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	defaultAddr      = "localhost:6379"
	defaultKeyPrefix = "mcp:identity:"
)

// Config for a Redis-backed Tracker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all counter keys. ENV: IDENTITY_KEY_PREFIX
	KeyPrefix string `env:"IDENTITY_KEY_PREFIX,default=mcp:identity:"`
	// TTL after the last request before a counter expires. Zero keeps
	// counters until Forget. ENV: IDENTITY_COUNTER_TTL
	TTL time.Duration `env:"IDENTITY_COUNTER_TTL,default=24h"`
}

// Tracker implements identity.Tracker on Redis.
type Tracker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	owned     bool
}

var _ identity.Tracker = (*Tracker)(nil)

// New dials Redis at cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config) (*Tracker, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = defaultAddr
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	t := NewWithClient(cl, cfg.KeyPrefix, cfg.TTL)
	t.owned = true
	return t, nil
}

// ConfigFromEnv populates a Config from the environment with envdecode.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis tracker config: %w", err)
	}
	return cfg, nil
}

// NewFromEnv builds a Tracker from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (*Tracker, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Tracker {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Tracker{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Close closes the Redis client if the Tracker created it.
func (t *Tracker) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}

func (t *Tracker) key(session string) string { return t.keyPrefix + "requests:" + session }

// Increment implements identity.Tracker. The counter and its expiry are
// updated in one transaction.
func (t *Tracker) Increment(ctx context.Context, session string) (int64, error) {
	key := t.key(session)
	var incr *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if t.ttl > 0 {
			p.Expire(ctx, key, t.ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Count returns the stored count for session, 0 if there is none.
func (t *Tracker) Count(ctx context.Context, session string) (int64, error) {
	key := t.key(session)
	v, err := t.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// Forget implements identity.Tracker.
func (t *Tracker) Forget(ctx context.Context, session string) error {
	if err := t.client.Del(ctx, t.key(session)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", t.key(session), err)
	}
	return nil
}

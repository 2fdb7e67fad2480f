package redistracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T, ttl time.Duration) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	return NewWithClient(cl, "test:", ttl), mr
}

func TestIncrementIsPerSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, mr := newTestTracker(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Increment(ctx, "s1"); err != nil {
				t.Errorf("Increment: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, err := tr.Increment(ctx, "s2"); err != nil || n != 1 {
		t.Fatalf("first increment of s2 = %d, %v", n, err)
	}
	if n, err := tr.Count(ctx, "s1"); err != nil || n != 25 {
		t.Fatalf("Count(s1) = %d, %v; want 25", n, err)
	}

	got, err := mr.Get("test:requests:s1")
	if err != nil {
		t.Fatalf("raw key missing: %v", err)
	}
	if got != "25" {
		t.Fatalf("raw counter = %q", got)
	}
}

func TestCountUnknownSessionIsZero(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t, 0)
	n, err := tr.Count(context.Background(), "nobody")
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}
}

func TestCountersExpire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, mr := newTestTracker(t, time.Minute)

	if _, err := tr.Increment(ctx, "s"); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if ttl := mr.TTL("test:requests:s"); ttl != time.Minute {
		t.Fatalf("TTL = %s, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if n, _ := tr.Count(ctx, "s"); n != 0 {
		t.Fatalf("expired counter still readable: %d", n)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, mr := newTestTracker(t, 0)
	_, _ = tr.Increment(ctx, "s")
	if err := tr.Forget(ctx, "s"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if mr.Exists("test:requests:s") {
		t.Fatal("key still present after Forget")
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := New(ctx, Config{RedisAddr: "127.0.0.1:1"}); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestNewDialsAndOwnsClient(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	tr, err := New(context.Background(), Config{RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Increment(context.Background(), "s"); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if !mr.Exists(defaultKeyPrefix + "requests:s") {
		t.Fatal("default key prefix not applied")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("IDENTITY_COUNTER_TTL", "90m")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.KeyPrefix != defaultKeyPrefix {
		t.Fatalf("KeyPrefix = %q, want default %q", cfg.KeyPrefix, defaultKeyPrefix)
	}
	if cfg.TTL != 90*time.Minute {
		t.Fatalf("TTL = %v", cfg.TTL)
	}
}

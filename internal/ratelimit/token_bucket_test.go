package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, capacity int, refill float64) (*StartLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStartLimiter(client, capacity, refill, time.Hour), mr
}

func TestStartLimiter_CapacityExhaustion(t *testing.T) {
	limiter, _ := testLimiter(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "u1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	allowed, tokens, err := limiter.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("allow after exhaustion: %v", err)
	}
	if allowed {
		t.Errorf("bucket exhausted, request should be rejected")
	}
	if tokens >= 1 {
		t.Errorf("expected < 1 token remaining, got %f", tokens)
	}
}

func TestStartLimiter_PerUserBuckets(t *testing.T) {
	limiter, _ := testLimiter(t, 1, 0)
	ctx := context.Background()

	if allowed, _, _ := limiter.Allow(ctx, "u1"); !allowed {
		t.Fatalf("first u1 start should be allowed")
	}
	if allowed, _, _ := limiter.Allow(ctx, "u1"); allowed {
		t.Fatalf("second u1 start should be rejected")
	}
	if allowed, _, _ := limiter.Allow(ctx, "u2"); !allowed {
		t.Fatalf("u2 has its own bucket")
	}
}

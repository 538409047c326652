package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := &Client{rdb: rdb, logger: zap.NewNop()}
	return NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	}), mr
}

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "org-a")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: remaining = %d, want %d", i, result.Remaining, 4-i)
		}
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "org-a")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "org-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request over the limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if result, _ := limiter.Allow(ctx, "org-a"); !result.Allowed {
		t.Fatal("first request for org-a should be allowed")
	}
	if result, _ := limiter.Allow(ctx, "org-a"); result.Allowed {
		t.Fatal("second request for org-a should be blocked")
	}
	if result, _ := limiter.Allow(ctx, "org-b"); !result.Allowed {
		t.Fatal("org-b should have its own budget")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter, mr := setupTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	if result, _ := limiter.Allow(ctx, "org-a"); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result, _ := limiter.Allow(ctx, "org-a"); result.Allowed {
		t.Fatal("second request inside the window should be blocked")
	}

	// Expire the recorded entry and confirm the budget comes back.
	mr.FastForward(2 * time.Minute)

	if result, _ := limiter.Allow(ctx, "org-a"); !result.Allowed {
		t.Fatal("request after the window should be allowed")
	}
}

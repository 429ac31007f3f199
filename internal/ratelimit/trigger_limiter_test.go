package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTriggerLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewTriggerLimiter(client, 2, 0.1, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "model-a")
		if err != nil || !allowed {
			t.Fatalf("trigger %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, err := limiter.Allow(ctx, "model-a")
	if err != nil {
		t.Fatalf("third trigger: %v", err)
	}
	if allowed {
		t.Fatalf("expected third trigger rejected")
	}

	// Buckets are per model.
	allowed, err = limiter.Allow(ctx, "model-b")
	if err != nil || !allowed {
		t.Fatalf("other model should have its own bucket: allowed=%v err=%v", allowed, err)
	}

	// Refill uses wall-clock time from the caller, so miniredis FastForward
	// does not apply; the capacity exhaustion above covers the limit path.
}

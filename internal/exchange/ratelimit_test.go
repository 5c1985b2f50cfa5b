package exchange

import (
	"context"
	"testing"
	"time"

	"gridbot/internal/config"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	// Should consume tokens without blocking
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec → ~100ms per token
	tb := NewTokenBucket(1, 10)

	// Consume the single token
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next Wait should block ~100ms
	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill

	// Exhaust the token
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestNewRateLimiterUsesPerVenueBudget(t *testing.T) {
	t.Parallel()

	limits := config.VenueRateLimits{
		Order:  config.RateLimitConfig{Capacity: 10, RatePerSecond: 1},
		Cancel: config.RateLimitConfig{Capacity: 20, RatePerSecond: 2},
		Read:   config.RateLimitConfig{Capacity: 30, RatePerSecond: 3},
	}

	rl := NewRateLimiter(limits)

	if rl.Order.capacity != 10 || rl.Order.rate != 1 {
		t.Errorf("Order bucket = %+v, want capacity 10 rate 1", rl.Order)
	}
	if rl.Cancel.capacity != 20 || rl.Cancel.rate != 2 {
		t.Errorf("Cancel bucket = %+v, want capacity 20 rate 2", rl.Cancel)
	}
	if rl.Read.capacity != 30 || rl.Read.rate != 3 {
		t.Errorf("Read bucket = %+v, want capacity 30 rate 3", rl.Read)
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestHostLimiterAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewHostLimiter(rdb, 2, time.Minute)
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(context.Background(), "example.com", now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("expected call %d allowed", i+1)
		}
	}

	allowed, resetAt, err := l.Allow(context.Background(), "example.com", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed {
		t.Fatal("expected third call denied")
	}
	if !resetAt.After(now) {
		t.Fatalf("reset %v should be after now %v", resetAt, now)
	}

	// Separate host has its own window.
	allowed, _, err = l.Allow(context.Background(), "other.com", now)
	if err != nil {
		t.Fatalf("allow other: %v", err)
	}
	if !allowed {
		t.Fatal("expected other host allowed")
	}
}

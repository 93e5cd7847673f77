package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalRateLimiterAllow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	limiter := newLocalRateLimiter(2, func() time.Time { return now })

	for i, want := range []bool{true, true, false} {
		got, err := limiter.Allow(context.Background(), "email")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if got != want {
			t.Fatalf("Allow() call %d = %v, want %v", i, got, want)
		}
	}

	now = now.Add(time.Second)
	if got, _ := limiter.Allow(context.Background(), "email"); !got {
		t.Fatal("new second window should allow call")
	}
}

func TestLocalRateLimiterChannelIsRequired(t *testing.T) {
	t.Parallel()

	if _, err := NewLocalRateLimiter(1).Allow(context.Background(), " "); err == nil {
		t.Fatal("Allow() expected error for empty channel")
	}
}

func TestLocalRateLimiterWaitContextDeadline(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_300, 0)
	limiter := newLocalRateLimiter(1, func() time.Time { return now })

	if ok, _ := limiter.Allow(context.Background(), "email"); !ok {
		t.Fatal("expected first call to be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "email"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RateLimiter controls outbound throughput per channel.
type RateLimiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
	Wait(ctx context.Context, channel string) error
}

const (
	localBackoffStep = 10 * time.Millisecond
	localBackoffMax  = 50 * time.Millisecond
)

var _ RateLimiter = (*LocalRateLimiter)(nil)

// LocalRateLimiter is a fixed one-second window limiter for single-process
// deployments that run without Redis.
type LocalRateLimiter struct {
	mu          sync.Mutex
	limitPerSec int
	windows     map[string]localWindow
	now         func() time.Time
}

type localWindow struct {
	second int64
	count  int
}

func NewLocalRateLimiter(limitPerSec int) *LocalRateLimiter {
	return newLocalRateLimiter(limitPerSec, time.Now)
}

func newLocalRateLimiter(limitPerSec int, nowFn func() time.Time) *LocalRateLimiter {
	if limitPerSec <= 0 {
		limitPerSec = 1
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LocalRateLimiter{
		limitPerSec: limitPerSec,
		windows:     make(map[string]localWindow),
		now:         nowFn,
	}
}

func (l *LocalRateLimiter) Allow(_ context.Context, channel string) (bool, error) {
	key := strings.ToLower(strings.TrimSpace(channel))
	if key == "" {
		return false, fmt.Errorf("channel is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	second := l.now().UTC().Unix()
	w := l.windows[key]
	if w.second != second {
		w = localWindow{second: second}
	}
	if w.count >= l.limitPerSec {
		l.windows[key] = w
		return false, nil
	}
	w.count++
	l.windows[key] = w
	return true, nil
}

func (l *LocalRateLimiter) Wait(ctx context.Context, channel string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := localBackoffStep
	for {
		allowed, err := l.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff += localBackoffStep
		if backoff > localBackoffMax {
			backoff = localBackoffMax
		}
	}
}

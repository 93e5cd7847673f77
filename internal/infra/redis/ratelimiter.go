package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/cardmail-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 10
	rateLimitKeyPrefix = "cardmail:ratelimit"
	rateLimitWindow    = time.Second
	minWaitStep        = time.Millisecond
)

// reserveScript keeps a sorted-set log of the sends in the last window. It
// records a send and returns 0 when there is room, otherwise the number of
// milliseconds until the oldest send leaves the window.
var reserveScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[4]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + tonumber(ARGV[3]) - tonumber(ARGV[1])
if wait < 1 then
  wait = 1
end
return wait
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps outbound sends over a sliding one-second window
// shared by every API replica on the same Redis.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	newMember   func() string
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, limitPerSec, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
		newMember:   uuid.NewString,
	}, nil
}

// Allow records a send on channel if the window has room.
func (r *RedisRateLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	wait, err := r.reserve(ctx, channel)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until a send on channel fits in the window or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, channel string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := r.reserve(ctx, channel)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve returns zero when the send was recorded, otherwise how long until
// the window frees a slot.
func (r *RedisRateLimiter) reserve(ctx context.Context, channel string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	key, err := rateLimitKey(channel)
	if err != nil {
		return 0, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	nowMs := r.now().UnixMilli()
	windowMs := rateLimitWindow.Milliseconds()
	waitMs, err := reserveScript.Run(ctx, r.client, []string{key},
		nowMs,
		nowMs-windowMs,
		windowMs,
		r.limitPerSec,
		r.newMember(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if waitMs <= 0 {
		return 0, nil
	}

	wait := time.Duration(waitMs) * time.Millisecond
	if wait < minWaitStep {
		wait = minWaitStep
	}
	return wait, nil
}

func rateLimitKey(channel string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "", fmt.Errorf("channel is required")
	}
	return rateLimitKeyPrefix + ":" + normalized, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package ratelimit bounds outbound scrape traffic per target host
// using a fixed redis window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type HostLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewHostLimiter(rdb *redis.Client, limit int64, window time.Duration) *HostLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &HostLimiter{redis: rdb, limit: limit, window: window}
}

// Allow reports whether another request to host fits in the current
// window, and when the window resets.
func (l *HostLimiter) Allow(ctx context.Context, host string, now time.Time) (allowed bool, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(l.window)
	windowEnd := windowStart.Add(l.window)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("deskagent:scrape:%s:%d", host, windowStart.Unix())
	res, err := incrWithTTLScript.Run(ctx, l.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= l.limit, windowEnd, nil
}

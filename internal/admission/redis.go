package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hedge:rl:"

// slidingWindowScript trims the sorted set to the window, admits the request
// when there is room, and reports {allowed, remaining, reset_at_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

local allowed = 0
if count < limit then
  redis.call("ZADD", key, now, member)
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window)

local reset = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end

return {allowed, limit - count, reset}
`)

// RedisLimiter is a sliding-log limiter shared across instances. Each
// accepted request is a sorted-set member scored by its timestamp in ms.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	nowMS := now.UnixMilli()
	windowMS := l.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMS, uuid.NewString())

	vals, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key}, nowMS, windowMS, l.limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("admission: rate limit %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("admission: rate limit %s: unexpected redis response", key)
	}

	remaining := int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   vals[0] == 1,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(vals[2]).UTC(),
	}, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingLog keeps one sorted set of admission times per identity.
//
//	KEYS[1] the identity's log
//	ARGV[1] member for this admission, ARGV[2] now (ms)
//	ARGV[3] trim cutoff (ms), ARGV[4] longest window (ms)
//	ARGV[5..] one triple per rule: limit, window (ms), exclusive window start
//
// Returns {allowed, remaining, limit, retry_ms}. Nothing is recorded on
// denial.
var slidingLog = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
local now = tonumber(ARGV[2])
local remaining, limit, retry, retryLimit = -1, 0, 0, 0
for i = 5, #ARGV, 3 do
  local lim = tonumber(ARGV[i])
  local win = tonumber(ARGV[i + 1])
  local n = redis.call("ZCOUNT", KEYS[1], ARGV[i + 2], "+inf")
  if n >= lim then
    local e = redis.call("ZRANGEBYSCORE", KEYS[1], ARGV[i + 2], "+inf", "WITHSCORES", "LIMIT", n - lim, 1)
    local wait = tonumber(e[2]) + win - now
    if wait > retry then
      retry, retryLimit = wait, lim
    end
  elseif remaining < 0 or lim - n - 1 < remaining then
    remaining, limit = lim - n - 1, lim
  end
end
if retry > 0 then
  return {0, 0, retryLimit, retry}
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {1, remaining, limit, 0}
`)

// RedisLimiter is a sliding-log limiter shared by every instance using the
// same Redis. The script runs atomically, so concurrent checks from any
// number of processes never admit more than a rule's limit in any rolling
// window.
type RedisLimiter struct {
	rdb    *redis.Client
	rules  []Rule
	window time.Duration
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisLimiter)

// WithRedisClock overrides the admission timestamps. Instances sharing a
// Redis should run with synchronized clocks.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

func NewRedisLimiter(rdb *redis.Client, prefix string, rules []Rule, opts ...RedisOption) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	active := activeRules(rules)
	l := &RedisLimiter{rdb: rdb, rules: active, window: longestWindow(active), prefix: prefix, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *RedisLimiter) key(identity string) string { return l.prefix + identity }

func (l *RedisLimiter) Check(ctx context.Context, identity string) (Decision, error) {
	if len(l.rules) == 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	now := l.now().UnixMilli()
	ms := func(v int64) string { return strconv.FormatInt(v, 10) }

	args := []any{
		ms(now) + ":" + uuid.NewString(),
		ms(now),
		ms(now - l.window.Milliseconds()),
		ms(l.window.Milliseconds()),
	}
	for _, r := range l.rules {
		w := r.Window.Milliseconds()
		args = append(args, strconv.Itoa(r.Limit), ms(w), "("+ms(now-w))
	}

	res, err := slidingLog.Run(ctx, l.rdb, []string{l.key(identity)}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return Decision{Limit: int(res[2]), RetryAfter: time.Duration(res[3]) * time.Millisecond}, nil
	}
	return Decision{Allowed: true, Remaining: int(res[1]), Limit: int(res[2])}, nil
}

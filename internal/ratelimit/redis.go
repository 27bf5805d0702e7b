package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript inspects a sliding-window sorted set without mutating it
// (beyond pruning expired members).
// KEYS[1] = request zset key
// ARGV[1] = current unix timestamp (milliseconds)
// ARGV[2] = window size in milliseconds
// ARGV[3] = request limit per window
// Returns {1, 0} when there is headroom, {0, oldestScore} when the window is
// full; oldestScore lets the caller compute when a slot frees up.
var checkScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count < limit then
			return {1, 0}
		end

		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {0, tonumber(oldest[2])}
`)

// commitScript records one dispatched request in the sliding window.
// KEYS[1] = request zset key
// ARGV[1] = current unix timestamp (milliseconds)
// ARGV[2] = window size in milliseconds
var commitScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
		return 1
`)

var _ Limiter = (*RedisLimiter)(nil)

// RedisLimiter is a Redis-backed limiter shared by all gateway replicas.
//
// The request budget uses a sliding one-minute window (sorted set, atomic
// Lua). The unit budget uses fixed one-minute buckets, because content units
// are only known after the response arrives and a sliding sum would need to
// re-read every member on each check.
//
// Graceful degradation: when Redis is unreachable, admission is allowed so a
// cache outage never turns into a full gateway outage.
type RedisLimiter struct {
	rdb     *redis.Client
	budgets map[string]Budget

	now func() time.Time
}

// NewRedisLimiter creates a RedisLimiter with the given per-provider budgets.
// Providers absent from budgets are unlimited.
func NewRedisLimiter(rdb *redis.Client, budgets map[string]Budget) *RedisLimiter {
	b := make(map[string]Budget, len(budgets))
	for id, budget := range budgets {
		b[id] = budget
	}
	return &RedisLimiter{rdb: rdb, budgets: b, now: time.Now}
}

func requestKey(providerID string) string {
	return "ratelimit:req:" + providerID
}

func unitKey(providerID string, bucket int64) string {
	return "ratelimit:units:" + providerID + ":" + strconv.FormatInt(bucket, 10)
}

// TryAdmit checks both budgets without consuming either.
func (l *RedisLimiter) TryAdmit(ctx context.Context, providerID string) Decision {
	budget, ok := l.budgets[providerID]
	if !ok || budget.Unlimited() {
		return Decision{Allowed: true}
	}

	now := l.now()
	windowMs := time.Minute.Milliseconds()

	if budget.RequestsPerMinute > 0 {
		res, err := checkScript.Run(ctx, l.rdb,
			[]string{requestKey(providerID)},
			now.UnixMilli(), windowMs, budget.RequestsPerMinute,
		).Int64Slice()
		if err != nil {
			slog.WarnContext(ctx, "ratelimit_check_error",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
			return Decision{Allowed: true}
		}
		if len(res) == 2 && res[0] == 0 {
			return Decision{RetryAfter: retryFromOldest(res[1], now)}
		}
	}

	if budget.UnitsPerMinute > 0 {
		bucket := now.Unix() / 60
		used, err := l.rdb.Get(ctx, unitKey(providerID, bucket)).Int64()
		if err != nil && err != redis.Nil {
			slog.WarnContext(ctx, "ratelimit_check_error",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
			return Decision{Allowed: true}
		}
		if used >= budget.UnitsPerMinute {
			next := time.Unix((bucket+1)*60, 0)
			return Decision{RetryAfter: next.Sub(now)}
		}
	}

	return Decision{Allowed: true}
}

// Commit records one dispatched request plus units.
func (l *RedisLimiter) Commit(ctx context.Context, providerID string, units int64) {
	budget, ok := l.budgets[providerID]
	if !ok || budget.Unlimited() {
		return
	}

	if budget.RequestsPerMinute > 0 {
		now := l.now()
		if err := commitScript.Run(ctx, l.rdb,
			[]string{requestKey(providerID)},
			now.UnixMilli(), time.Minute.Milliseconds(),
		).Err(); err != nil {
			slog.WarnContext(ctx, "ratelimit_commit_error",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
		}
	}

	l.CommitUnits(ctx, providerID, units)
}

// CommitUnits adds late-reported units to the current minute bucket.
func (l *RedisLimiter) CommitUnits(ctx context.Context, providerID string, units int64) {
	if units <= 0 {
		return
	}
	budget, ok := l.budgets[providerID]
	if !ok || budget.UnitsPerMinute <= 0 {
		return
	}

	now := l.now()
	key := unitKey(providerID, now.Unix()/60)

	pipe := l.rdb.Pipeline()
	pipe.IncrBy(ctx, key, units)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "ratelimit_commit_error",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
	}
}

// retryFromOldest computes how long until the oldest window member expires.
func retryFromOldest(oldestMs int64, now time.Time) time.Duration {
	freeAt := time.UnixMilli(oldestMs).Add(time.Minute)
	d := freeAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

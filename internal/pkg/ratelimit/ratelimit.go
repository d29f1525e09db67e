// Package ratelimit 提供跨进程共享的 Redis 令牌桶，用于限制所有 worker
// 对外部站点发起页面导航的总速率。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const (
	DefaultKey = "marketspy:ratelimit:navigation"

	defaultMaxWait   = 30 * time.Second
	evalTimeout      = 2 * time.Second
	jitterMax        = 10 * time.Millisecond
	minRetryInterval = 50 * time.Millisecond
)

// tokenBucketLua 原子地补充并扣减令牌。
// 返回 {allowed, wait_ms, tokens}。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tostring(tokens)}
`

// RateLimiter 是基于 Redis 的分布式令牌桶。
type RateLimiter struct {
	rdb     *redis.Client
	key     string
	rate    float64
	burst   float64
	maxWait time.Duration
	logger  *slog.Logger
	script  *redis.Script
}

// Option 配置 RateLimiter。
type Option func(*RateLimiter)

// WithKey 指定令牌桶使用的 Redis key。
func WithKey(key string) Option {
	return func(r *RateLimiter) {
		if key != "" {
			r.key = key
		}
	}
}

// WithMaxWait 设置单次 Acquire 的最长等待时间，超过后放行。
func WithMaxWait(d time.Duration) Option {
	return func(r *RateLimiter) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// New 创建令牌桶限流器。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器，可为 nil
//   - rate: 每秒补充的令牌数，<=0 表示不限流
//   - burst: 桶容量
func New(rdb *redis.Client, log *slog.Logger, rate, burst float64, opts ...Option) *RateLimiter {
	if log == nil {
		log = logger.Discard()
	}
	r := &RateLimiter{
		rdb:     rdb,
		key:     DefaultKey,
		rate:    rate,
		burst:   burst,
		maxWait: defaultMaxWait,
		logger:  log,
		script:  redis.NewScript(tokenBucketLua),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire 阻塞直到拿到一个令牌。
//
// Redis 不可用或等待超过 maxWait 时降级放行，只有 ctx 结束才返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rdb == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	start := time.Now()
	deadline := start.Add(r.maxWait)
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.timeout(start)
			}
			r.logger.Warn("rate limit check failed, allowing request", slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait < minRetryInterval {
			wait = minRetryInterval
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		if time.Now().Add(wait).After(deadline) {
			r.logger.Warn("rate limit max wait exceeded, allowing request", slog.Duration("waited", time.Since(start)))
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.timeout(start)
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) timeout(start time.Time) error {
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	metrics.RateLimitTimeoutTotal.Inc()
	return ErrRateLimitTimeout
}

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := r.script.Run(evalCtx, r.rdb, []string{r.key}, r.rate, r.burst, now, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

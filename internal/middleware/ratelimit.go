package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/venue-ticketing/internal/config"
)

// bucketScript refills continuously at rate tokens per millisecond and takes
// one token.  It returns {allowed, tokens left, ms until the next token}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[1])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)
local allowed, wait = 0, 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
else
	wait = math.ceil((1 - tokens) / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), wait}
`)

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed   bool
	Remaining int64
	RetryIn   time.Duration
}

// Bucket takes one token for key.
type Bucket interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// RedisBucket keeps token buckets in redis so every server instance shares
// one budget per caller.
type RedisBucket struct {
	rdb redis.Scripter
	cfg config.RateLimitConfig
}

func NewRedisBucket(rdb redis.Scripter, cfg config.RateLimitConfig) *RedisBucket {
	return &RedisBucket{rdb: rdb, cfg: cfg}
}

// Take implements Bucket.
func (b *RedisBucket) Take(ctx context.Context, key string) (Decision, error) {
	rate := float64(b.cfg.RefillTokens) / float64(b.cfg.RefillInterval.Milliseconds())
	vals, err := bucketScript.Run(ctx, b.rdb, []string{key},
		time.Now().UnixMilli(), b.cfg.Capacity, rate, b.cfg.TTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return Decision{Allowed: vals[0] == 1, Remaining: vals[1], RetryIn: time.Duration(vals[2]) * time.Millisecond}, nil
}

// RateLimiter throttles callers of a route group.  Authenticated scanners are
// limited per staff id so devices behind one venue NAT do not share a budget;
// anonymous callers are limited per client IP.  A nil *RateLimiter, or a
// bucket error, lets every request through.
type RateLimiter struct {
	bucket Bucket
	cfg    config.RateLimitConfig
	log    *zap.Logger
}

// NewRateLimiter returns nil when limiting is disabled or bucket is nil.
func NewRateLimiter(bucket Bucket, cfg config.RateLimitConfig, log *zap.Logger) *RateLimiter {
	if !cfg.Enabled || bucket == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rl"
	}
	return &RateLimiter{bucket: bucket, cfg: cfg, log: log}
}

// callerKey names the bucket for a request within scope.
func (l *RateLimiter) callerKey(scope string, c echo.Context) string {
	if id := StaffID(c); id != "" {
		return l.cfg.Prefix + ":" + scope + ":staff:" + id
	}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return l.cfg.Prefix + ":" + scope + ":ip:" + ip
}

// Middleware limits the routes it is mounted on.  Mount it after JWTAuth to
// key authenticated routes by staff id.
func (l *RateLimiter) Middleware(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if l == nil {
			return next
		}
		return func(c echo.Context) error {
			key := l.callerKey(scope, c)
			d, err := l.bucket.Take(c.Request().Context(), key)
			if err != nil {
				l.log.Warn("rate limit unavailable", zap.String("key", key), zap.Error(err))
				return next(c)
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			if d.Allowed {
				return next(c)
			}
			secs := int((d.RetryIn + time.Second - 1) / time.Second)
			h.Set("Retry-After", strconv.Itoa(secs))
			l.log.Info("rate limited", zap.String("key", key))
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "rate limit exceeded", "retry_after": secs})
		}
	}
}

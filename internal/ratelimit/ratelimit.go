// Package ratelimit implements fixed-window rate limiting and concurrency
// gauges on a shared Redis instance. Atomicity comes from a single Lua
// script evaluation; no application-level locking is involved.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/sigil-ai/sigil/internal"
)

// checkScript implements one fixed-window bucket check. It returns 0 when
// the request is admitted and the milliseconds until the window resets
// when it is denied. A window of 0 creates a counter with no expiry.
var checkScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]))
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if c and c + 1 > limit then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    return -1
  end
  return ttl
end
if c then
  redis.call('INCR', KEYS[1])
  return 0
end
if window > 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
else
  redis.call('SET', KEYS[1], 1)
end
return 0
`)

// Window sizes in milliseconds.
const (
	WindowMinute  = 60_000
	WindowHour    = 3_600_000
	WindowDay     = 86_400_000
	WindowForever = 0
)

// Config carries the process-wide limiter settings.
type Config struct {
	// Web search burst controls: the global bucket admits
	// min(RPS, max(1, MaxConcurrent/PerQueryCount)) requests per second.
	WebSearchRPS           int
	WebSearchMaxConcurrent int
	WebSearchPerQueryCount int

	// ConcurrentLimits maps model IDs to their concurrency gauge limit.
	ConcurrentLimits  map[string]int
	ConcurrentDefault int
}

// DefaultConcurrent is the per-model gauge limit when none is configured.
const DefaultConcurrent = 50

// Limiter evaluates rate-limit buckets against Redis.
type Limiter struct {
	rdb redis.UniversalClient
	cfg Config
}

// New builds a Limiter. A zero ConcurrentDefault falls back to
// DefaultConcurrent.
func New(rdb redis.UniversalClient, cfg Config) *Limiter {
	if cfg.ConcurrentDefault <= 0 {
		cfg.ConcurrentDefault = DefaultConcurrent
	}
	if cfg.WebSearchPerQueryCount <= 0 {
		cfg.WebSearchPerQueryCount = 1
	}
	return &Limiter{rdb: rdb, cfg: cfg}
}

// Check evaluates one bucket. A nil limit means unlimited and skips Redis
// entirely. Denials surface as *gateway.RateLimitedError.
func (l *Limiter) Check(ctx context.Context, bucket string, limit *int, windowMS int64) error {
	if limit == nil {
		return nil
	}
	res, err := checkScript.Run(ctx, l.rdb, []string{bucket}, *limit, windowMS).Int64()
	if err != nil {
		return fmt.Errorf("ratelimit: check %s: %w", bucket, err)
	}
	if res != 0 {
		if res < 0 {
			res = 0 // no-expiry bucket: there is no reset to wait for
		}
		return &gateway.RateLimitedError{Bucket: bucket, RetryAfter: res}
	}
	return nil
}

// CheckChat runs the full bucket sequence for a chat request, stopping at
// the first denial. All checks happen before upstream dispatch.
func (l *Limiter) CheckChat(ctx context.Context, auth *gateway.AuthContext, webSearch bool) error {
	rl := auth.RateLimits
	user := auth.UserID

	if err := l.Check(ctx, "minute:"+user, rl.UserMinute, WindowMinute); err != nil {
		return err
	}
	if err := l.Check(ctx, "hour:"+user, rl.UserHour, WindowHour); err != nil {
		return err
	}
	if err := l.Check(ctx, "day:"+user, rl.UserDay, WindowDay); err != nil {
		return err
	}
	if err := l.Check(ctx, "user:"+user, rl.User, WindowForever); err != nil {
		return err
	}

	for _, t := range auth.TokenLimits {
		window := time.Until(t.ExpiresAt).Milliseconds()
		if window <= 0 {
			window = 1
		}
		limit := t.UsageLimit
		if err := l.Check(ctx, "token:"+t.Signature, &limit, window); err != nil {
			return err
		}
	}

	if !webSearch {
		return nil
	}

	burst := max(1, l.cfg.WebSearchMaxConcurrent/l.cfg.WebSearchPerQueryCount)
	if l.cfg.WebSearchRPS > 0 {
		burst = min(l.cfg.WebSearchRPS, burst)
	}
	if err := l.Check(ctx, "global:web_search:rps", &burst, 1000); err != nil {
		return err
	}
	if err := l.Check(ctx, "web_search:"+user, rl.WebSearch, WindowForever); err != nil {
		return err
	}
	if err := l.Check(ctx, "web_search_minute:"+user, rl.WebSearchMinute, WindowMinute); err != nil {
		return err
	}
	if err := l.Check(ctx, "web_search_hour:"+user, rl.WebSearchHour, WindowHour); err != nil {
		return err
	}
	return l.Check(ctx, "web_search_day:"+user, rl.WebSearchDay, WindowDay)
}

// AcquireConcurrent increments the model's live-request gauge. When the
// gauge would exceed the configured limit it is decremented immediately and
// the request is rejected. The returned release func decrements exactly
// once and must be called on every completion path after a successful
// acquire.
func (l *Limiter) AcquireConcurrent(ctx context.Context, model string) (func(), error) {
	limit := l.cfg.ConcurrentDefault
	if v, ok := l.cfg.ConcurrentLimits[model]; ok {
		limit = v
	}
	key := "concurrent:" + model

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: acquire %s: %w", key, err)
	}
	if n > int64(limit) {
		l.rdb.Decr(context.WithoutCancel(ctx), key)
		return nil, &gateway.RateLimitedError{Bucket: key}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must land even when the request context is gone.
			l.rdb.Decr(context.WithoutCancel(ctx), key)
		})
	}
	return release, nil
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/sigil-ai/sigil/internal"
)

func newLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, cfg), mr
}

func intp(v int) *int { return &v }

func TestCheck_FixedWindow(t *testing.T) {
	t.Parallel()

	l, mr := newLimiter(t, Config{})
	ctx := context.Background()

	t.Run("nil limit always allows", func(t *testing.T) {
		for range 100 {
			if err := l.Check(ctx, "unlimited", nil, WindowMinute); err != nil {
				t.Fatalf("Check = %v, want nil", err)
			}
		}
	})

	t.Run("denies past limit with retry-after", func(t *testing.T) {
		for i := range 3 {
			if err := l.Check(ctx, "m:u1", intp(3), WindowMinute); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		err := l.Check(ctx, "m:u1", intp(3), WindowMinute)
		if !errors.Is(err, gateway.ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatal("error is not *RateLimitedError")
		}
		if rle.RetryAfter <= 0 || rle.RetryAfter > WindowMinute {
			t.Errorf("RetryAfter = %d, want in (0, %d]", rle.RetryAfter, WindowMinute)
		}
	})

	t.Run("window reset re-admits", func(t *testing.T) {
		if err := l.Check(ctx, "m:u2", intp(1), WindowMinute); err != nil {
			t.Fatal(err)
		}
		if err := l.Check(ctx, "m:u2", intp(1), WindowMinute); !errors.Is(err, gateway.ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
		mr.FastForward(61 * time.Second)
		if err := l.Check(ctx, "m:u2", intp(1), WindowMinute); err != nil {
			t.Errorf("after window reset: %v, want nil", err)
		}
	})

	t.Run("forever bucket never resets", func(t *testing.T) {
		if err := l.Check(ctx, "user:u3", intp(1), WindowForever); err != nil {
			t.Fatal(err)
		}
		mr.FastForward(1000 * time.Hour)
		err := l.Check(ctx, "user:u3", intp(1), WindowForever)
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
		if rle.RetryAfter != 0 {
			t.Errorf("RetryAfter = %d, want 0 for no-expiry bucket", rle.RetryAfter)
		}
	})
}

func TestCheckChat_BucketOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("minute denial precedes token buckets", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, Config{})
		auth := &gateway.AuthContext{
			UserID:     "holder",
			RateLimits: gateway.RateLimits{UserMinute: intp(1)},
			TokenLimits: []gateway.TokenLimit{
				{Signature: "sigA", ExpiresAt: time.Now().Add(time.Hour), UsageLimit: 100},
			},
		}
		if err := l.CheckChat(ctx, auth, false); err != nil {
			t.Fatal(err)
		}
		err := l.CheckChat(ctx, auth, false)
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
		if rle.Bucket != "minute:holder" {
			t.Errorf("bucket = %s, want minute:holder", rle.Bucket)
		}
	})

	t.Run("token bucket exhausts by proof signature", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, Config{})
		auth := &gateway.AuthContext{
			UserID: "holder2",
			TokenLimits: []gateway.TokenLimit{
				{Signature: "sigB", ExpiresAt: time.Now().Add(time.Hour), UsageLimit: 2},
			},
		}
		for i := range 2 {
			if err := l.CheckChat(ctx, auth, false); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		err := l.CheckChat(ctx, auth, false)
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
		if rle.Bucket != "token:sigB" {
			t.Errorf("bucket = %s, want token:sigB", rle.Bucket)
		}
	})

	t.Run("web search buckets only consumed when declared", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, Config{WebSearchRPS: 10, WebSearchMaxConcurrent: 10, WebSearchPerQueryCount: 2})
		auth := &gateway.AuthContext{
			UserID:     "holder3",
			RateLimits: gateway.RateLimits{WebSearchMinute: intp(1)},
		}
		// Non-search requests never touch web search buckets.
		for i := range 3 {
			if err := l.CheckChat(ctx, auth, false); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		if err := l.CheckChat(ctx, auth, true); err != nil {
			t.Fatal(err)
		}
		err := l.CheckChat(ctx, auth, true)
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
		if rle.Bucket != "web_search_minute:holder3" {
			t.Errorf("bucket = %s, want web_search_minute:holder3", rle.Bucket)
		}
	})

	t.Run("global web search burst derives from concurrency budget", func(t *testing.T) {
		t.Parallel()
		// max(1, 4/2) = 2, min(10, 2) = 2 admitted per second.
		l, _ := newLimiter(t, Config{WebSearchRPS: 10, WebSearchMaxConcurrent: 4, WebSearchPerQueryCount: 2})
		auth := &gateway.AuthContext{UserID: "holder4"}
		for i := range 2 {
			if err := l.CheckChat(ctx, auth, true); err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
		}
		err := l.CheckChat(ctx, auth, true)
		var rle *gateway.RateLimitedError
		if !errors.As(err, &rle) {
			t.Fatalf("err = %v, want RateLimitedError", err)
		}
		if rle.Bucket != "global:web_search:rps" {
			t.Errorf("bucket = %s, want global:web_search:rps", rle.Bucket)
		}
	})
}

func TestAcquireConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("rejects past gauge limit", func(t *testing.T) {
		t.Parallel()
		l, mr := newLimiter(t, Config{ConcurrentLimits: map[string]int{"m1": 2}})
		r1, err := l.AcquireConcurrent(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		r2, err := l.AcquireConcurrent(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.AcquireConcurrent(ctx, "m1"); !errors.Is(err, gateway.ErrRateLimited) {
			t.Fatalf("err = %v, want ErrRateLimited", err)
		}
		// The rejected acquire must have rolled its increment back.
		if got, _ := mr.Get("concurrent:m1"); got != "2" {
			t.Errorf("gauge = %s, want 2", got)
		}
		r1()
		r2()
		if got, _ := mr.Get("concurrent:m1"); got != "0" {
			t.Errorf("gauge after release = %s, want 0", got)
		}
	})

	t.Run("release is exactly once", func(t *testing.T) {
		t.Parallel()
		l, mr := newLimiter(t, Config{})
		release, err := l.AcquireConcurrent(ctx, "m2")
		if err != nil {
			t.Fatal(err)
		}
		release()
		release()
		release()
		if got, _ := mr.Get("concurrent:m2"); got != "0" {
			t.Errorf("gauge = %s, want 0 after repeated release", got)
		}
	})

	t.Run("default limit applies to unknown models", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, Config{ConcurrentDefault: 1})
		release, err := l.AcquireConcurrent(ctx, "other")
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if _, err := l.AcquireConcurrent(ctx, "other"); !errors.Is(err, gateway.ErrRateLimited) {
			t.Errorf("err = %v, want ErrRateLimited", err)
		}
	})
}

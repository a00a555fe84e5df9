package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("bad request")
	ErrUpstreamError   = errors.New("upstream error")
	ErrUnavailable     = errors.New("service unavailable")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// HTTPStatus maps an error chain onto the response status it should
// produce. Errors carrying an explicit upstream status pass it through.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, context.DeadlineExceeded):
		return 504
	case errors.Is(err, ErrBadRequest):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrPayloadTooLarge):
		return 413
	case errors.Is(err, ErrRateLimited):
		return 429
	case errors.Is(err, ErrUnavailable):
		return 503
	}
	var he interface{ HTTPStatus() int }
	if errors.As(err, &he) {
		return he.HTTPStatus()
	}
	return 500
}

// RateLimitedError carries the milliseconds until the denied bucket resets.
type RateLimitedError struct {
	Bucket     string
	RetryAfter int64 // ms
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %dms", e.Bucket, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

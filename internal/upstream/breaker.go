package upstream

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// breakerConfig holds circuit breaker parameters.
type breakerConfig struct {
	errorThreshold float64       // weighted error rate to trip
	minSamples     int           // minimum requests before breaker can open
	windowSeconds  int           // sliding window duration in seconds
	openTimeout    time.Duration // time in open before allowing a probe
}

func defaultBreakerConfig() breakerConfig {
	return breakerConfig{
		errorThreshold: 0.30,
		minSamples:     10,
		windowSeconds:  60,
		openTimeout:    30 * time.Second,
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// windowBucket holds error and request counts for a 1-second slot.
type windowBucket struct {
	errors float64
	total  int
}

// slidingWindow is a fixed-size ring buffer of 1-second buckets.
type slidingWindow struct {
	buckets  [60]windowBucket
	size     int
	head     int
	headTime int64 // unix seconds of head bucket
}

func newSlidingWindow(windowSeconds int) slidingWindow {
	if windowSeconds <= 0 || windowSeconds > 60 {
		windowSeconds = 60
	}
	return slidingWindow{size: windowSeconds}
}

// advance moves the head forward to the current second, clearing stale buckets.
func (w *slidingWindow) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	stale := min(int(gap), w.size)
	for i := range stale {
		idx := (w.head + 1 + i) % w.size
		w.buckets[idx] = windowBucket{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

func (w *slidingWindow) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.buckets[w.head].total++
	w.buckets[w.head].errors += weight
}

func (w *slidingWindow) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var totalErrors float64
	var totalRequests int
	for i := range w.size {
		b := &w.buckets[i]
		totalErrors += b.errors
		totalRequests += b.total
	}
	if totalRequests == 0 {
		return 0, 0
	}
	return totalErrors / float64(totalRequests), totalRequests
}

func (w *slidingWindow) reset() {
	for i := range w.size {
		w.buckets[i] = windowBucket{}
	}
	w.head = 0
	w.headTime = 0
}

// breaker is a per-endpoint circuit breaker state machine. A weighted
// error rate over a sliding window trips it open; after openTimeout a
// single probe request decides whether it closes again.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	window      slidingWindow
	openedAt    time.Time
	probing     bool // a half-open probe is in flight
	threshold   float64
	minSamples  int
	openTimeout time.Duration
}

func newBreaker(cfg breakerConfig) *breaker {
	return &breaker{
		state:       stateClosed,
		window:      newSlidingWindow(cfg.windowSeconds),
		threshold:   cfg.errorThreshold,
		minSamples:  cfg.minSamples,
		openTimeout: cfg.openTimeout,
	}
}

// allow reports whether a request may proceed.
func (b *breaker) allow() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	case stateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// record adds an outcome with the given error weight. Weight 0 is a
// success and closes a half-open breaker; anything positive counts toward
// the trip threshold and reopens a half-open breaker.
func (b *breaker) record(weight float64) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.record(weight, now)

	if weight == 0 {
		if b.state == stateHalfOpen {
			b.state = stateClosed
			b.probing = false
			b.window.reset()
		}
		return
	}

	switch b.state {
	case stateClosed:
		rate, samples := b.window.errorRate(now)
		if samples >= b.minSamples && rate >= b.threshold {
			b.state = stateOpen
			b.openedAt = now
		}
	case stateHalfOpen:
		b.state = stateOpen
		b.openedAt = now
		b.probing = false
	}
}

// breakerRegistry hands out one breaker per endpoint URL.
type breakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      breakerConfig
}

func newBreakerRegistry(cfg breakerConfig) *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*breaker), cfg: cfg}
}

func (r *breakerRegistry) get(endpoint string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	b = newBreaker(r.cfg)
	r.breakers[endpoint] = b
	return b
}

// httpStatusError is satisfied by errors carrying an upstream HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

// classify returns the breaker error weight for a request outcome.
//
// Weights:
//   - timeout (deadline exceeded) -> 1.5
//   - 500..504, network errors    -> 1.0
//   - 429                         -> 0.5
//   - other 4xx                   -> 0.0 (caller fault, not the backend's)
func classify(err error) float64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}
	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}
	return 1.0
}

func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}

// Package ratelimit implements the token bucket admission gate and retry backoff.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/registry-fetcher/internal/metrics"
)

// tokenEpsilon absorbs float rounding in refill arithmetic when reporting whole tokens.
const tokenEpsilon = 1e-9

// Config holds bucket sizing. Refill is continuous: RefillTokens are added evenly over
// every RefillInterval.
type Config struct {
	Capacity       int
	RefillTokens   float64
	RefillInterval time.Duration
}

// Status describes a bucket at a point in time.
type Status struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper overrides how the limiter suspends while waiting for a token.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// Limiter manages one token bucket per identifier. Tokens are only consumed through
// AllowN, so a bucket never goes negative.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limit    rate.Limit
	capacity int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	limit := rate.Inf
	if cfg.RefillTokens > 0 && cfg.RefillInterval > 0 {
		limit = rate.Limit(cfg.RefillTokens / cfg.RefillInterval.Seconds())
	}
	l := &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		limit:    limit,
		capacity: capacity,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit consumes a token for id if one is available. It never blocks.
func (l *Limiter) CheckLimit(id string) bool {
	return l.bucket(id).AllowN(l.now(), 1)
}

// WaitForSlot suspends until a token is available for id, then consumes it. The wait is
// computed from the refill rate rather than polled.
func (l *Limiter) WaitForSlot(ctx context.Context, id string) error {
	b := l.bucket(id)
	start := l.now()
	for {
		now := l.now()
		if b.AllowN(now, 1) {
			if waited := now.Sub(start); waited > 0 {
				metrics.ObserveRateLimitWait(waited)
			}
			return nil
		}
		if err := l.sleep(ctx, l.timeToToken(b.TokensAt(now))); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

// GetStatus reports whole tokens left for id and when the bucket will be full again.
func (l *Limiter) GetStatus(id string) Status {
	now := l.now()
	tokens := l.bucket(id).TokensAt(now)
	remaining := int(math.Floor(tokens + tokenEpsilon))
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Remaining: remaining,
		ResetAt:   now.Add(l.durationFor(float64(l.capacity) - tokens)),
	}
}

// Reset drops every bucket; the next use of an identifier starts full.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*rate.Limiter)
}

func (l *Limiter) bucket(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[id]
	if !ok {
		b = rate.NewLimiter(l.limit, l.capacity)
		l.buckets[id] = b
	}
	return b
}

// timeToToken is ceil((1 - tokens) / refillPerMs) milliseconds.
func (l *Limiter) timeToToken(tokens float64) time.Duration {
	wait := l.durationFor(1 - tokens)
	if wait < time.Millisecond {
		return time.Millisecond
	}
	return wait
}

func (l *Limiter) durationFor(missing float64) time.Duration {
	if missing <= 0 || l.limit == rate.Inf || l.limit <= 0 {
		return 0
	}
	perMs := float64(l.limit) / 1000
	return time.Duration(math.Ceil(missing/perMs)) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

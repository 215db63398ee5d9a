package ratelimit

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes exponential retry spacing with optional ±25% jitter.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff returns the policy used between orchestration attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Multiplier: 2,
		Max:        30 * time.Second,
		Jitter:     true,
	}
}

// Delay returns the wait before the given 1-based attempt. The exponential value is
// clamped to Max, jittered, then clamped again so Max is never exceeded.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	d := time.Duration(delay)
	if b.Jitter {
		d += symmetricJitter(d / 4)
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// symmetricJitter returns a uniform value in [-limit, +limit].
func symmetricJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*int64(limit)+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - limit
}

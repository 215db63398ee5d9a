package fetch

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer inserts a human-looking pause between navigation steps.
type Pacer interface {
	Pause(ctx context.Context) error
}

// RandomPacer pauses for a uniform duration in [Min, Max].
type RandomPacer struct {
	Min time.Duration
	Max time.Duration
}

// Pause waits for the drawn delay or until ctx is done.
func (p RandomPacer) Pause(ctx context.Context) error {
	d := p.Min
	if p.Max > p.Min {
		d += rand.N(p.Max - p.Min + 1) //nolint:gosec // pacing jitter, not security
	}
	return sleepContext(ctx, d)
}

// NoPacer never waits.
type NoPacer struct{}

// Pause returns immediately unless ctx is already done.
func (NoPacer) Pause(ctx context.Context) error {
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

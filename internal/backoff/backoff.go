package backoff

import (
	"context"
	"math"
	"time"
)

// Backoff computes exponential, capped delays between retry attempts.
// The zero value never waits.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Reconnect is the policy used when re-establishing dropped streams.
var Reconnect = Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second}

// Fixed returns a policy that always waits d.
func Fixed(d time.Duration) Backoff {
	return Backoff{Base: d, Max: d}
}

// Wait returns the delay before the given attempt.
// Attempt 0 is the first try and never waits; attempt k >= 1 waits
// min(Base * 2^(k-1), Max).
func (b Backoff) Wait(attempt int) time.Duration {
	if attempt <= 0 || b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Sleep waits for d or returns early if the context is cancelled.
// Returns the context error if the wait was interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

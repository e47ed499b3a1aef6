package embedding

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter spaces provider requests at a minimum interval. Callers block
// until their turn, requests are never dropped. One Limiter is shared by
// everything that talks to the same provider account.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewLimiter creates a limiter allowing rpm requests per minute. A
// non-positive rpm disables throttling.
func NewLimiter(rpm int) *Limiter {
	if rpm <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	interval := time.Minute / time.Duration(rpm)
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Wait blocks until the next request may be sent or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Interval returns the minimum spacing between requests
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

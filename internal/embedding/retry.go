package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legal-rag/internal/logger"
)

const (
	// DefaultMaxRetries is the attempt budget for rate limited calls
	DefaultMaxRetries = 3
	defaultBaseDelay  = 4 * time.Second
	defaultMaxDelay   = 60 * time.Second
)

// RetryPolicy describes how a failed call is repeated
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration
	// Multiplier grows the delay after each further failure.
	Multiplier float64
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
	// AttemptsFor optionally lowers the attempt budget for an error.
	AttemptsFor func(error) int
}

// DefaultRetryPolicy retries rate limits up to maxAttempts times with
// exponential backoff between 4s and 60s. Other API errors and timeouts get
// one attempt less, auth errors are not retried.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRetries
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   defaultBaseDelay,
		Multiplier:  2,
		MaxDelay:    defaultMaxDelay,
		Retryable:   IsRetryable,
		AttemptsFor: func(err error) int {
			if IsRateLimit(err) {
				return maxAttempts
			}
			return max(maxAttempts-1, 1)
		},
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) attemptsFor(err error) int {
	limit := p.MaxAttempts
	if p.AttemptsFor != nil {
		limit = min(limit, p.AttemptsFor(err))
	}
	return max(limit, 1)
}

// Do calls fn until it succeeds, fails with a non retryable error, the
// attempt budget is spent or ctx is done
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt >= p.attemptsFor(err) {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := p.Delay(attempt)
		var pe *ProviderError
		if errors.As(err, &pe) && pe.RetryAfter > delay {
			delay = pe.RetryAfter
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		logger.Warn("Attempt %d failed, retrying in %v: %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Package retry provides a bounded retry loop with fixed or exponential
// backoff. It is shared by the registry publisher, the rollout controller
// and the health verifier so that every polling loop in the pipeline has
// the same attempt accounting and the same cancellation behavior.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	// BackoffFixed sleeps the same delay between every attempt.
	BackoffFixed Backoff = "fixed"

	// BackoffExponential doubles the delay after each attempt,
	// capped at Policy.MaxDelay when set.
	BackoffExponential Backoff = "exponential"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int

	// Delay is the base delay between attempts.
	Delay time.Duration

	// Backoff is the delay growth strategy. Defaults to BackoffFixed.
	Backoff Backoff

	// MaxDelay caps the exponential delay. Zero means no cap.
	MaxDelay time.Duration
}

// Op is one attempt. Returning done=true stops the loop and err (which may
// be nil) becomes the final result. Returning done=false schedules a retry.
type Op func(ctx context.Context, attempt int) (done bool, err error)

// ExhaustedError is returned when the attempt budget runs out without the
// operation reporting done.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("gave up after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs op up to p.MaxAttempts times, sleeping between attempts according
// to the policy. The sleep is interruptible: context cancellation returns
// immediately with ctx.Err(). Do reports the number of attempts actually
// made alongside the final error.
func Do(ctx context.Context, p Policy, op Op) (int, error) {
	if p.MaxAttempts < 1 {
		return 0, fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		done, err := op(ctx, attempt)
		if done {
			return attempt, err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		if err := sleep(ctx, p.delayFor(attempt)); err != nil {
			return attempt, err
		}
	}

	return p.MaxAttempts, &ExhaustedError{Attempts: p.MaxAttempts, Last: lastErr}
}

// delayFor computes the delay to sleep after the given attempt number.
func (p Policy) delayFor(attempt int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.Delay
	}

	delay := p.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// sleep blocks for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
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

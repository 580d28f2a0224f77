package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AttemptPolicy controls how a single step is attempted: every attempt runs
// under its own Timeout, and on failure the step is retried up to
// RetryBudget additional times.
type AttemptPolicy struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// RetryBudget is the number of extra attempts after the first.
	RetryBudget int

	// Backoff is the delay between attempts. Zero means Timeout/2.
	Backoff time.Duration

	// OnRetry is called before each retry sleep with the attempt that
	// failed (1-based) and its error.
	OnRetry func(attempt int, err error)
}

func (p AttemptPolicy) backoff() time.Duration {
	if p.Backoff > 0 {
		return p.Backoff
	}
	return p.Timeout / 2
}

// Attempt runs fn under the policy and returns the number of attempts made
// along with the final error, nil on success. Non-retryable errors and
// parent-context cancellation stop the loop early.
func Attempt(ctx context.Context, policy AttemptPolicy, fn func(ctx context.Context) error) (int, error) {
	var lastErr error

	maxAttempts := policy.RetryBudget + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		lastErr = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return attempt, nil
		}

		// The parent being done means the whole run is over, not just
		// this attempt.
		if ctx.Err() != nil {
			return attempt, lastErr
		}

		if !IsRetryable(lastErr) {
			return attempt, lastErr
		}

		if attempt == maxAttempts {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(policy.backoff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}
	}

	return maxAttempts, lastErr
}

// AttemptVal is Attempt for functions that return a value. The value from
// the successful attempt is preserved.
func AttemptVal[T any](ctx context.Context, policy AttemptPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var out T
	attempts, err := Attempt(ctx, policy, func(ctx context.Context) error {
		v, ferr := fn(ctx)
		if ferr != nil {
			return ferr
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, attempts, err
	}
	return out, attempts, nil
}

// RetryLogger returns an OnRetry callback that logs each retry attempt for
// the given step.
func RetryLogger(stepID string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying step",
			zap.String("step", stepID),
			zap.Int("attempt", attempt),
			zap.String("code", string(Classify(err))),
			zap.Error(err),
		)
	}
}

// internal/retry/retry.go
package retry

import (
	"context"
	"errors"
	"time"

	apperrors "kova-sync/internal/errors"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 4
	// DefaultBaseDelay is the first backoff delay; it doubles per attempt
	// (2s, 4s, 8s, 16s with the defaults).
	DefaultBaseDelay = 2 * time.Second
)

// Policy is the shared bounded retry-with-backoff policy for outbound
// calls. The zero value is not usable; construct with Default or fill the
// fields explicitly. Sleep is injectable for tests and defaults to a
// context-aware real sleep.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Default returns the policy with the standard ceiling and backoff base.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// retry ceiling is exhausted. op must classify its failures as
// *apperrors.APIError; any other error is treated as terminal. Do returns
// the number of attempts made (including the first); a returned APIError
// carries the same count. A context deadline bounds the whole sequence and
// surfaces as KindTimeout, never retried.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = realSleep
	}

	attempts := 0
	for {
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}

		var apiErr *apperrors.APIError
		if !errors.As(err, &apiErr) {
			return attempts, err
		}
		apiErr.Attempts = attempts

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, &apperrors.APIError{Kind: apperrors.KindTimeout, Attempts: attempts, Err: ctxErr}
		}
		if !apiErr.Retryable() || attempts > p.MaxRetries {
			return attempts, apiErr
		}

		delay := p.BaseDelay << (attempts - 1)
		if err := sleep(ctx, delay); err != nil {
			return attempts, &apperrors.APIError{Kind: apperrors.KindTimeout, Attempts: attempts, Err: err}
		}
	}
}

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

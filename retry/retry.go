// Package retry provides a bounded, fixed-delay retry combinator that
// reports how the loop ended instead of hiding it behind a bare error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Result is the outcome of Attempt.
type Result struct {
	// Attempts is the number of times fn was invoked.
	Attempts int
	// Err is nil on success, otherwise the last error observed.
	Err error
	// Exhausted reports that every attempt failed with a retryable error.
	Exhausted bool
}

// OK reports whether fn eventually succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Attempt calls fn until it succeeds, returns an error shouldRetry rejects,
// or maxRetries additional attempts have been spent. Attempts are delay
// apart. A nil shouldRetry retries nothing.
func Attempt(ctx context.Context, fn func(context.Context) error, maxRetries int, delay time.Duration, shouldRetry func(error) bool) Result {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		res       Result
		retryable bool
	)
	op := func() error {
		res.Attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		retryable = shouldRetry != nil && shouldRetry(err)
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxRetries)),
		ctx,
	)
	res.Err = backoff.Retry(op, policy)
	if res.Err != nil && retryable && !isContextErr(ctx, res.Err) {
		res.Exhausted = true
	}
	return res
}

func isContextErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

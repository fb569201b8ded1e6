package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sakif/roomspace/internal/apperror"
)

// RetryPolicy bounds retries of idempotent reads: the room-code probe and
// snapshot loads. Writes are never retried here; a failed transaction is
// reported to the caller.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times, starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// retryRead runs fn until it succeeds, fails permanently or the policy is
// exhausted. apperror kinds and context errors are permanent: retrying a
// NotFound or a cancelled request cannot help.
func retryRead[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx))
}

func isPermanent(err error) bool {
	return apperror.Kind(err) != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

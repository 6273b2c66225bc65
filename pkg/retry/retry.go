// Package retry runs calls to flaky dependencies with bounded exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval    = 200 * time.Millisecond
	DefaultMaxInterval = 5 * time.Second
)

// Policy bounds a retried call. Zero values fall back to one try and the
// default intervals.
type Policy struct {
	Tries       int
	Interval    time.Duration
	MaxInterval time.Duration
	// Permanent reports errors that another attempt cannot fix.
	Permanent func(error) bool
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// tries, or ctx is done. Cancellation of ctx is never retried.
func Do[T any](ctx context.Context, op string, p Policy, fn func() (T, error)) (T, error) {
	tries := max(p.Tries, 1)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInterval
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxInterval
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		switch {
		case err == nil:
			return v, nil
		case ctx.Err() != nil, errors.Is(err, context.Canceled):
			return v, backoff.Permanent(err)
		case p.Permanent != nil && p.Permanent(err):
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("op", op).Dur("retry_in", next).Msg("call failed, retrying")
		}),
	)
	// The last attempt's error comes back still marked permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seanblong/kagsearch/pkg/retry"
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// isFinal reports provider responses that cannot improve on retry.
func isFinal(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}

// withRetry runs a provider call with exponential backoff, at most tries
// attempts.
func withRetry[T any](ctx context.Context, op string, tries int, interval time.Duration, fn func() (T, error)) (T, error) {
	return retry.Do(ctx, op, retry.Policy{Tries: tries, Interval: interval, Permanent: isFinal}, fn)
}

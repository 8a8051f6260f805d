// Package retry provides an explicit typed retry policy: max attempts,
// backoff, and a predicate deciding which errors are retryable.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/papercomputeco/mnemo/pkg/storage"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt. Each
	// subsequent delay doubles, capped at MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the growing delay. Zero means no cap.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt.
	// When nil, Transient is used.
	Retryable func(error) bool
}

// DefaultPolicy retries transient store errors a few times with a
// doubling delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Transient reports whether err is a storage.TransientError.
func Transient(err error) bool {
	var te storage.TransientError
	return errors.As(err, &te)
}

// Do runs fn under the policy, sleeping between attempts. It returns
// nil on the first success, the last error once attempts are exhausted
// or the error is not retryable, and ctx.Err() if the context ends
// while waiting.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}

	backoff := p.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || !retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how long a persistence call may keep trying.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// OpTimeout bounds each individual attempt.
	OpTimeout time.Duration
	// InitialBackoff and MaxBackoff shape the exponential wait between
	// attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		OpTimeout:      2 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// Retrier runs persistence operations under a RetryPolicy.
type Retrier struct {
	policy RetryPolicy
	notify func(err error, wait time.Duration)
}

func NewRetrier(p RetryPolicy, notify func(err error, wait time.Duration)) *Retrier {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.OpTimeout <= 0 {
		p.OpTimeout = d.OpTimeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return &Retrier{policy: p, notify: notify}
}

// Do runs op until it succeeds, the attempt budget is spent, or ctx ends.
// Exhausting the budget yields an error wrapping ErrStoreUnavailable and the
// last failure.  Errors marked with backoff.Permanent are returned as-is.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialBackoff
	eb.MaxInterval = r.policy.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.Attempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.OpTimeout)
		defer cancel()
		last = op(attemptCtx)
		return last
	}, b, r.notify)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return perm.Err
	}
	if last == nil {
		// Context ended before the first attempt.
		last = err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, last)
}
